// Package logging provides structured logging for the bridge host and its workers.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the host and every worker process.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Optional timestamp suppression (workers launched with --no-timestamp)
//
// # Configuration
//
// Logging is configured via the LoggingConfig in bridgehost.yaml:
//
//	logging:
//	  level: "info"        # debug, info, warn, error
//	  format: "json"       # json, text
//	  output: "stdout"     # stdout, stderr
//	  no_timestamp: false
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("child bridge online", "bridge", name)
//
// Never log setup codes, pins, tokens, or passwords.
package logging
