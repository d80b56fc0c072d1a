// Package sinks implements progress consumers: structured logs, Prometheus
// run collectors and a terminal progress bar.
package sinks
