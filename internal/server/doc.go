// Package server hosts the Fiber HTTP service and its middleware chain:
// request IDs, panic recovery, access logging and the JSON error envelope
// that maps provider error kinds to HTTP status codes. Route groups live in
// the routes subpackage and receive the application context explicitly, so
// keep exports narrow and accept explicit dependencies.
package server
