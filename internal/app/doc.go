// Package app assembles the long-lived components of voxhub from a loaded
// configuration: capability detection, the model cache, the hub client,
// inference runtimes, providers, the registry and the model router. It keeps
// no package-level state so tests can build as many isolated instances as
// they need. The provider mode selects between production providers, real
// providers over a stub runtime, and the in-memory doubles from providertest.
package app
