// Package metrics is a small counter/gauge registry shared by the agent and
// the server. Families are rendered as prometheus/client_model MetricFamily
// values and exposed with prometheus/common/expfmt, so any Prometheus scraper
// can read GET /metrics.
package metrics
