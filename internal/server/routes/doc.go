// Package routes registers the voxhub HTTP endpoints on a Fiber router:
// diagnostics under /-/ and model operations under /v1.
package routes
