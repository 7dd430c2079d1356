// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, and a Pub/Sub notifier for completed partitions and runs.
package sinks
