// Package process implements the per-category processing workers. Each
// category gets its own worker pool draining its own queue; a dequeued job
// is retention-checked, written to the time-series store (tech excepted),
// folded into the hot-status or tech-config cache where the category calls
// for it, evaluated against the alert thresholds on the realtime path, and
// finally published on the processed-event bus for the gateway.
package process
