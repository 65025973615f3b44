// Package bridge contains the state reconciler that keeps MQTT retained
// state in step with the Smarther cloud.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                          Orchestrator                            │
//	│                                                                  │
//	│   broker commands ──┐                                            │
//	│   webhook pushes ───┼──▶ Reconciler ──▶ per-device workers       │
//	│   poll timer ───────┘        │                                   │
//	│                              ▼                                   │
//	│                     MQTT retained state                          │
//	│                     cloud SetStatus calls                        │
//	└──────────────────────────────────────────────────────────────────┘
//
// Each known thermostat module gets one worker goroutine with a serial
// event queue, so state updates and commands for a device can never
// interleave. The credential (owned by the auth package) is the only
// mutable state shared across devices.
//
// # Reconciliation Rules
//
//   - A cloud snapshot replaces the device's state only when its version
//     is newer; stale or equal-version reports are discarded, so replayed
//     webhook deliveries produce no publishes.
//   - Only capabilities whose value actually changed are re-published.
//   - A broker command becomes a PendingCommand, is sent to the cloud
//     with bounded retries, and is confirmed by the next cloud report
//     that carries the commanded value. A newer command for the same
//     capability supersedes an unconfirmed one.
//   - Before resending after an ambiguous (transient) failure the device
//     state is re-fetched; a write that already landed is confirmed
//     instead of applied twice.
//   - Devices that disappear from the topology are evicted: pending
//     commands are cancelled and their retained topics are cleared.
package bridge
