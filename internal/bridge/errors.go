package bridge

import "errors"

// Domain errors for the bridge package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, bridge.ErrUnknownDevice) {
//	    // handle unknown device
//	}
var (
	// ErrUnknownDevice is returned when a module ID is not in the
	// current topology.
	ErrUnknownDevice = errors.New("bridge: unknown device")

	// ErrDeviceRemoved is returned for operations on an evicted device.
	ErrDeviceRemoved = errors.New("bridge: device removed")

	// ErrUnknownCapability is returned when a command names a capability
	// the device does not have.
	ErrUnknownCapability = errors.New("bridge: unknown capability")

	// ErrReadOnlyCapability is returned when a command targets a
	// measurement capability.
	ErrReadOnlyCapability = errors.New("bridge: capability is read-only")

	// ErrInvalidValue is returned when a command payload cannot be
	// parsed or is out of range for its capability.
	ErrInvalidValue = errors.New("bridge: invalid value")

	// ErrCommandFailed is returned when a command exhausted its retry
	// budget against the cloud.
	ErrCommandFailed = errors.New("bridge: command failed")

	// ErrQueueFull is returned when the offline command queue overflows
	// and the oldest entry is dropped.
	ErrQueueFull = errors.New("bridge: offline queue full")
)
