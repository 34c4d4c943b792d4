// Package monitor exposes the health and throughput of a messaging server.
//
// StatsCollector exports handler stats and worker states to Prometheus:
//
//	collector := monitor.NewStatsCollector(server)
//	_ = collector.Register(prometheus.DefaultRegisterer)
//	http.Handle("/metrics", promhttp.Handler())
//
// Registry runs health checks concurrently and Handler serves the combined
// report as JSON:
//
//	registry := monitor.NewRegistry()
//	registry.Register(monitor.NewWorkerChecker(server))
//	registry.Register(monitor.NewRedisChecker(rdb))
//	http.Handle("/health", monitor.NewHandler(registry, 5*time.Second))
package monitor
