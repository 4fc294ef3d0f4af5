// Package main runs the isolate server.
//
// The server hosts a pool of goja isolates behind an HTTP API. Each isolate
// has its own heap ceiling and event loop; clients create isolates, evaluate
// code in them and dispose of them. Isolates created with an inspector can be
// attached to over WebSocket.
//
// Endpoints:
//
//	GET    /health
//	GET    /metrics                    Prometheus exposition
//	GET    /metrics/json
//	POST   /isolates                   {name, memory_limit_mb, inspector, snapshot}
//	GET    /isolates
//	GET    /isolates/:id
//	DELETE /isolates/:id
//	POST   /isolates/:id/eval          {code, filename, timeout_ms, promise}
//	GET    /isolates/:id/inspector     WebSocket
//
// Configuration:
//   - Defaults, overridden by a YAML or TOML file, overridden by environment
//     variables (PORT, ISOLATE_MEMORY_LIMIT_MB, LOG_LEVEL, ...)
//   - ISOLATES_CONFIG_FILE or -config names the file
//
// Usage:
//
//	./server -config isolates.yaml
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
