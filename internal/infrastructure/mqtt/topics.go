package mqtt

import (
	"fmt"
	"strings"
)

// DefaultBaseTopic is the topic prefix used when none is configured.
const DefaultBaseTopic = "smarther"

// Topics builds the bridge's MQTT topic names under a configurable base
// prefix. Using these helpers ensures consistent topic naming across the
// codebase.
//
// Topic scheme:
//
//	<base>/<moduleID>/state/<capability>   retained device state
//	<base>/<moduleID>/set/<capability>     inbound commands
//	<base>/<moduleID>/status               retained per-device command status
//	<base>/bridge/status                   retained bridge availability (LWT)
type Topics struct {
	// Base is the configured topic prefix. Empty means DefaultBaseTopic.
	Base string
}

func (t Topics) base() string {
	if t.Base == "" {
		return DefaultBaseTopic
	}
	return t.Base
}

// DeviceState returns the retained state topic for one capability of a device.
//
// Example: smarther/module-1/state/targetTemperature
func (t Topics) DeviceState(moduleID, capability string) string {
	return fmt.Sprintf("%s/%s/state/%s", t.base(), moduleID, capability)
}

// DeviceSet returns the command topic for one capability of a device.
//
// Example: smarther/module-1/set/targetTemperature
func (t Topics) DeviceSet(moduleID, capability string) string {
	return fmt.Sprintf("%s/%s/set/%s", t.base(), moduleID, capability)
}

// DeviceStatus returns the per-device status topic used for command
// rejections, retry exhaustion and removal notices.
//
// Example: smarther/module-1/status
func (t Topics) DeviceStatus(moduleID string) string {
	return fmt.Sprintf("%s/%s/status", t.base(), moduleID)
}

// BridgeStatus returns the bridge availability topic. The broker publishes
// the Last Will here if the bridge dies unexpectedly.
//
// Example: smarther/bridge/status
func (t Topics) BridgeStatus() string {
	return fmt.Sprintf("%s/bridge/status", t.base())
}

// AllDeviceCommands returns the subscription pattern matching every
// command topic under the base prefix.
//
// Pattern: smarther/+/set/+
func (t Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/set/+", t.base())
}

// AllDeviceStates returns the pattern matching every state topic.
//
// Pattern: smarther/+/state/+
func (t Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/+/state/+", t.base())
}

// ParseCommandTopic extracts the module ID and capability from a command
// topic. The topic must have the exact shape <base>/<moduleID>/set/<capability>.
//
// Returns:
//   - moduleID, capability: Parsed topic segments
//   - error: ErrInvalidTopic if the topic does not match the scheme
func (t Topics) ParseCommandTopic(topic string) (moduleID, capability string, err error) {
	base := t.base() + "/"
	if !strings.HasPrefix(topic, base) {
		return "", "", fmt.Errorf("%w: %q lacks prefix %q", ErrInvalidTopic, topic, t.base())
	}

	rest := strings.TrimPrefix(topic, base)
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "set" {
		return "", "", fmt.Errorf("%w: %q is not a command topic", ErrInvalidTopic, topic)
	}
	if parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q has empty segments", ErrInvalidTopic, topic)
	}

	return parts[0], parts[2], nil
}
