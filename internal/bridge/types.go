package bridge

import (
	"time"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
)

// Capability names exposed on MQTT. Writable capabilities accept
// commands on <base>/<moduleID>/set/<capability>; the rest are
// measurements published on the state topics only.
const (
	CapabilityTargetTemperature = "targetTemperature"
	CapabilityMode              = "mode"
	CapabilityFunction          = "function"
	CapabilityTemperature       = "temperature"
	CapabilityHumidity          = "humidity"
	CapabilityActivationTime    = "activationTime"
)

// writableCapabilities is the set of capabilities that accept commands.
var writableCapabilities = map[string]bool{
	CapabilityTargetTemperature: true,
	CapabilityMode:              true,
	CapabilityFunction:          true,
}

// knownCapabilities is every capability the bridge publishes.
var knownCapabilities = map[string]bool{
	CapabilityTargetTemperature: true,
	CapabilityMode:              true,
	CapabilityFunction:          true,
	CapabilityTemperature:       true,
	CapabilityHumidity:          true,
	CapabilityActivationTime:    true,
}

// Origin records where a snapshot's values came from.
type Origin string

// Snapshot origins.
const (
	// OriginCloud marks state reported by the cloud (poll or webhook).
	OriginCloud Origin = "cloud"

	// OriginLocal marks state applied optimistically after a locally
	// issued command was accepted by the cloud.
	OriginLocal Origin = "local-command"
)

// DeviceState is the per-device reconciliation state.
type DeviceState int

// Device states.
const (
	// StateUnknown means no cloud report has been seen yet.
	StateUnknown DeviceState = iota

	// StateSyncing means the first cloud fetch is in flight.
	StateSyncing

	// StateSynced means published state matches the last cloud report.
	StateSynced

	// StatePending means at least one command awaits cloud confirmation.
	StatePending

	// StateRemoved means the device left the topology; its retained
	// topics have been cleared and commands are refused.
	StateRemoved
)

// String returns the state name used in status payloads.
func (s DeviceState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StatePending:
		return "pending"
	case StateRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// Device identifies one thermostat module within a plant.
type Device struct {
	ModuleID string
	PlantID  string
	Name     string
}

// Snapshot is an immutable view of a device's capability values. Workers
// replace a device's snapshot as a whole; Values is never mutated after
// construction.
type Snapshot struct {
	// Values maps capability name to its rendered value.
	Values map[string]string

	// Version orders snapshots. Derived from the cloud report time;
	// a local command inherits max(current, now).
	Version int64

	// Time is when the state was reported or applied.
	Time time.Time

	// Origin is cloud or local-command.
	Origin Origin
}

// Value returns the rendered value for a capability, or "" if absent.
func (s Snapshot) Value(capability string) string {
	return s.Values[capability]
}

// PendingCommand is a command accepted from the broker that has not yet
// been confirmed by a cloud state report.
type PendingCommand struct {
	// ID is a generated uuid, echoed in status payloads.
	ID string

	// Capability and Value are the normalized command target.
	Capability string
	Value      string

	// Request is the cloud write derived from the command.
	Request smarther.SetStatusRequest

	// Deadline is when the command expires unconfirmed.
	Deadline time.Time

	// Attempts counts cloud delivery attempts so far.
	Attempts int

	// Sent is true once the cloud accepted the write; the command then
	// only awaits confirmation.
	Sent bool
}

// Expired reports whether the command's confirmation deadline passed.
func (c *PendingCommand) Expired(now time.Time) bool {
	return now.After(c.Deadline)
}
