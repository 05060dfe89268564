// Package hub talks to a Hugging Face compatible model hub: it lists the files
// of a model repository and streams individual files with progress reporting.
// All requests share one tuned http.Transport, mirroring the upstream client
// used by the HTTP server.
package hub
