// Package observability provides structured logging, Prometheus metrics,
// and health checking for the Xolo server.
package observability
