// Package api hosts the read-only status server for operators. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the partition store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources for configured sources and quotas.
//   - GET /v1/sources/{source}/partitions for open (or all, with ?state=all)
//     partitions, and /partitions/{date} for a single day.
//   - GET /v1/sources/{source}/partitions/{date}/articles for stored articles.
//   - POST /v1/run/stop requests a graceful stop when the server runs next to
//     a scheduler.
package api
