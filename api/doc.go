// Package api serves the HTTP read surface consumed by the surrounding
// CRUD layer: machine history, cached status, control limits, series with
// coverage metadata, the field catalog and queue statistics. Every machine
// route resolves the persistent machine id to its device id through the
// machines directory before touching a store.
package api
