// Package capabilities snapshots the host hardware facts that drive model
// compatibility checks and recommendations: available memory, whether a
// unified-memory accelerator is present, the compute-unit class and the model
// size classes the device can safely run. Snapshots are plain values computed
// on demand; nothing here keeps mutable state, so providers receive a Detector
// and call it whenever they need a fresh view.
package capabilities
