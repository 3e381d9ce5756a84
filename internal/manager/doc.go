// Package manager owns the single resident model: it resolves descriptors,
// plans placement, loads weights through the fallback chain, admits
// generation requests and drains them on unload or swap. Files by concern:
//
//   - manager.go: Manager type, constructor and simple getters.
//   - config.go: ManagerConfig and package defaults.
//   - types.go: lifecycle State, Snapshot and the resident model.
//   - errors.go: error taxonomy (IsModelNotFound, IsTooBusy, ModelLoadError, ...).
//   - load.go: Load, the fallback chain and a single load attempt.
//   - unload.go: Unload and the drain used by unload and swap.
//   - admission.go: queue and in-flight slots, generation leases.
//   - generate.go: Generate, GenerateStream and GenerateBatch.
//   - cache.go: response cache for default-parameter single-shot requests.
//   - idle.go: background unload of an unused model.
//   - status_report.go: Status.
//   - events.go, eventpub_memory.go: lifecycle events.
//   - metrics.go, tracing.go: Prometheus collectors and OpenTelemetry spans.
//   - recorder.go: the bookkeeping sink informed of loads and unloads.
//
// External packages use the exported methods only.
package manager
