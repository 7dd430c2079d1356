// Package progress turns scheduler notifications into events, batches them on
// a background goroutine, and fans them out to pluggable sinks such as logs,
// Prometheus collectors, or a Pub/Sub topic.
package progress
