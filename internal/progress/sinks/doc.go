// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and batch rollups. Each sink satisfies progress.Sink.
package sinks
