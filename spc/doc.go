// Package spc computes statistical process control limits and serves
// downsampled measurement series. Control limits are derived from aggregate
// sums pulled out of the time-series store and cached per parameter set;
// a Welford-style incremental update keeps a cached entry current as new
// samples arrive without triggering a full recompute.
package spc
