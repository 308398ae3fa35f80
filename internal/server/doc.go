// Package server hosts the Airwave Live API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, logging, metrics, rate limiting, and auth so handlers all share
// common protections and instrumentation.
package server
