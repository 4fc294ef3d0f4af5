// Package logging provides structured logging using uber/zap.
//
// This package offers two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Isolates log through child loggers created with ForIsolate, which tag every
// entry with the isolate id. Script console calls are mapped onto zap levels
// with ConsoleLevel.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8000"))
//	isoLog := logging.ForIsolate(logger.Logger, "iso_01H...", "worker")
//	isoLog.Warn("near memory limit", zap.Int64("used", used))
package logging
