// Package progress carries run lifecycle events from runners to sinks. A Hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as structured logs, Prometheus collectors or a terminal bar.
package progress
