// Package log provides structured protocol logging for svclink.
//
// This package defines the Logger interface and Event types for capturing
// protocol events at the transport, wire and service layers. It is separate
// from operational logging (slog): protocol capture is a machine-readable
// trace of every request, response and state change for debugging.
//
// # Basic Usage
//
// Engines and links take a Logger in their configuration:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/svclink/node.slog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(console, file)
//
// # Event Types
//
//   - Transport: raw frames (FrameEvent)
//   - Wire and service: protocol events (MessageEvent)
//   - Service: connection, call and validity changes (StateChangeEvent)
//   - Any layer: errors (ErrorEventData)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events. The svclink-log tool
// views, filters and exports them.
package log
