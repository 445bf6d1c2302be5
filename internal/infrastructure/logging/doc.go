// Package logging provides structured logging for the serial device daemon.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/serialdeviced/serialdeviced.log"
//	    max_size: 100    # MB before rotation
//	    max_backups: 5
//	    max_age: 28      # days
//	    compress: true
//
// File output rotates through gopkg.in/natefinch/lumberjack.v2.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "namespace", "serial_device")
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log broker passwords or InfluxDB tokens. Payloads sent to devices
// are logged by length only:
//
//	logger.Debug("send", "device", id, "bytes", len(payload))
package logging
