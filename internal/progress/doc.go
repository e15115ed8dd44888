// Package progress fans execution-log events out to pluggable sinks. Emitters
// never block: the hub batches events on a background goroutine and hands each
// route the events its filter selects (structured logs, Prometheus, batch
// rollups).
package progress
