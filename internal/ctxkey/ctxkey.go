// Package ctxkey defines shared context key types used across multiple
// packages. It must not import other internal packages.
package ctxkey

// LoggerKey is the context key type for the request-enriched logger.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request id.
type RequestIDKey struct{}

// RealIPKey is the context key type for the client's resolved IP address.
type RealIPKey struct{}
