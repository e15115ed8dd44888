// Package store declares the repository for per-batch execution rollups fed by
// the progress store sink.
package store
