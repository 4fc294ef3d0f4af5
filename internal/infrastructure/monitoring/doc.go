/*
Package monitoring provides metrics collection for the isolate runtime.

# Overview

Metrics are Prometheus collectors registered on a caller supplied
registerer, so tests and embedders can use private registries. All
recording methods accept a nil *Metrics and do nothing.

# Features

- Isolate lifecycle (created, active, disposed by reason)
- Scheduler runnables by kind and outcome, with latency
- Memory governance (limit hits, forced collections, pre-check rejects)
- Cross-isolate reference operations
- Inspector sessions and WebSocket traffic
- HTTP request metrics for the host API

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(monitoring.Handler(reg)))

	timer := monitoring.NewTimer(metrics, "apply")
	// ... perform operation ...
	timer.Stop("ok")
*/
package monitoring
