// Package server hosts the ReelSync gateway and REST API from a single HTTP
// server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, CORS, rate limiting, metrics, audit, auth, and logging so handlers
// all share common protections and instrumentation. The websocket endpoint
// rides the same chain; it authenticates in-protocol rather than per-request.
package server
