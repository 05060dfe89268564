// Package provider defines the TranscriptionProvider contract shared by every
// speech backend together with the pieces that sit around it: the typed error
// taxonomy, progress reporting, the provider Registry, the name-based Router,
// the resident-model Slot and the download Coalescer.
//
// Concrete providers live in sub-packages (whispercpp, mlx) and are wired
// together by internal/app; nothing in this package keeps global state.
package provider
