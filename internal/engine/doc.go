// Package engine hides the inference runtimes behind a small Runtime/Session
// contract. Providers load a model artifact into a Session and run
// transcriptions against it without knowing whether the work happens in an
// external binary or in the deterministic stub used for offline runs.
package engine
