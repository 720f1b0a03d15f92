// Package metric provides the Prometheus registry and HTTP endpoint for the
// pull client.
//
// NewMetricsRegistry registers the client metric set (Metrics) and the Go
// runtime collectors. Components that own extra metrics, such as caches and
// buffers, register them through the MetricsRegistrar interface keyed by an
// owner name, so duplicate registrations fail with a classified Invalid
// error instead of a panic.
//
//	registry := metric.NewMetricsRegistry()
//	client, _ := pullclient.New(settings, pullclient.WithMetrics(registry))
//
//	srv := metric.NewServer(":9090", "/metrics", registry, healthHandler)
//	go func() { _ = srv.Start() }()
//	defer srv.Stop(context.Background())
//
// The Record helpers on Metrics are nil-receiver safe.
package metric
