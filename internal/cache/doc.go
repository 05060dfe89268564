// Package cache implements the on-disk model artifact cache. Each artifact is
// stored under <root>/artifacts/<slug>-<hash8>.bin, derived deterministically
// from the model name, and a single YAML index (<root>/index.yaml) maps model
// names to their metadata. A store writes and fsyncs a temp file, commits the
// index, and only then renames the artifact into place, so a failed index
// write leaves the previous artifact intact; an entry whose artifact is
// missing is pruned on the next lookup. The index is replaced atomically and
// every write re-reads it under a file lock, which lets the service and the
// voxhub-cache CLI share one root. The Manager enforces size and age bounds
// with expired-first, then least-recently-used eviction, and coalesces
// concurrent stores of the same model into one write.
package cache
