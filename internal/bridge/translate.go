package bridge

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
)

// Translation constants.
const (
	// minSetPoint and maxSetPoint bound the accepted target temperature
	// in degrees Celsius.
	minSetPoint = 5.0
	maxSetPoint = 40.0

	// setPointStep is the thermostat's set point resolution.
	setPointStep = 0.1

	// defaultSetPoint is used for a manual-mode switch when no target
	// temperature has been observed yet.
	defaultSetPoint = 20.0

	// boostDuration is how long a boost runs when commanded via the
	// mode capability. The thermostat itself offers 30/60/90 minutes.
	boostDuration = 30 * time.Minute

	// defaultProgram selects the thermostat's stored program when
	// switching to automatic mode.
	defaultProgram = 0

	// cloudTimeLayout is the timestamp format the cloud uses when it
	// omits a zone offset.
	cloudTimeLayout = "2006-01-02T15:04:05"
)

// SnapshotFromStatus translates one chronothermostat report into a
// capability snapshot. now supplies the version when the report carries
// no parseable time.
func SnapshotFromStatus(st smarther.ChronothermostatStatus, now time.Time) Snapshot {
	values := make(map[string]string)

	values[CapabilityMode] = strings.ToLower(string(st.Mode))
	values[CapabilityFunction] = strings.ToLower(string(st.Function))

	if st.SetPoint != nil {
		values[CapabilityTargetTemperature] = formatMeasure(st.SetPoint.Value)
	}
	if m := st.Thermometer.LastMeasure(); m != nil {
		values[CapabilityTemperature] = formatMeasure(m.Value)
	}
	if m := st.Hygrometer.LastMeasure(); m != nil {
		values[CapabilityHumidity] = formatMeasure(m.Value)
	}
	if st.ActivationTime != "" {
		values[CapabilityActivationTime] = st.ActivationTime
	}

	reportTime := now
	if t, ok := parseCloudTime(st.Time); ok {
		reportTime = t
	}

	return Snapshot{
		Values:  values,
		Version: reportTime.Unix(),
		Time:    reportTime,
		Origin:  OriginCloud,
	}
}

// BuildCommand validates a raw command payload and derives the cloud
// write for it. It returns the request together with the normalized
// value that a confirming cloud report must carry.
//
// The cloud's status write is whole-state: a single-capability command
// is completed from the device's current snapshot.
func BuildCommand(capability, payload string, current Snapshot, now time.Time) (smarther.SetStatusRequest, string, error) {
	if !knownCapabilities[capability] {
		return smarther.SetStatusRequest{}, "", fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	if !writableCapabilities[capability] {
		return smarther.SetStatusRequest{}, "", fmt.Errorf("%w: %q", ErrReadOnlyCapability, capability)
	}

	value := strings.TrimSpace(payload)

	switch capability {
	case CapabilityTargetTemperature:
		return buildSetPointCommand(value, current)
	case CapabilityMode:
		return buildModeCommand(value, current, now)
	case CapabilityFunction:
		return buildFunctionCommand(value, current)
	default:
		return smarther.SetStatusRequest{}, "", fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
}

func buildSetPointCommand(value string, current Snapshot) (smarther.SetStatusRequest, string, error) {
	target, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return smarther.SetStatusRequest{}, "", fmt.Errorf("%w: %q is not a temperature", ErrInvalidValue, value)
	}
	if target < minSetPoint || target > maxSetPoint {
		return smarther.SetStatusRequest{}, "", fmt.Errorf("%w: %.1f outside %.1f..%.1f",
			ErrInvalidValue, target, minSetPoint, maxSetPoint)
	}

	// Snap to the thermostat's resolution.
	target = math.Round(target/setPointStep) * setPointStep

	req := smarther.SetStatusRequest{
		Function: currentFunction(current),
		Mode:     smarther.ModeManual,
		SetPoint: &smarther.Measurement{Value: target, Unit: "C"},
	}
	return req, formatMeasure(target), nil
}

func buildModeCommand(value string, current Snapshot, now time.Time) (smarther.SetStatusRequest, string, error) {
	mode := strings.ToLower(value)
	req := smarther.SetStatusRequest{Function: currentFunction(current)}

	switch mode {
	case "automatic":
		req.Mode = smarther.ModeAutomatic
		req.Programs = []smarther.Program{{Number: defaultProgram}}
	case "manual":
		req.Mode = smarther.ModeManual
		req.SetPoint = &smarther.Measurement{Value: currentSetPoint(current), Unit: "C"}
	case "boost":
		req.Mode = smarther.ModeBoost
		req.ActivationTime = now.Add(boostDuration).Format(cloudTimeLayout)
	case "off":
		req.Mode = smarther.ModeOff
	case "protection":
		req.Mode = smarther.ModeProtection
	default:
		return smarther.SetStatusRequest{}, "", fmt.Errorf("%w: unknown mode %q", ErrInvalidValue, value)
	}

	return req, mode, nil
}

func buildFunctionCommand(value string, current Snapshot) (smarther.SetStatusRequest, string, error) {
	function := strings.ToLower(value)

	var fn smarther.ThermostatFunction
	switch function {
	case "heating":
		fn = smarther.FunctionHeating
	case "cooling":
		fn = smarther.FunctionCooling
	default:
		return smarther.SetStatusRequest{}, "", fmt.Errorf("%w: unknown function %q", ErrInvalidValue, value)
	}

	// A function switch keeps the device regulating manually at its
	// current target; the cloud rejects a bare function write.
	req := smarther.SetStatusRequest{
		Function: fn,
		Mode:     smarther.ModeManual,
		SetPoint: &smarther.Measurement{Value: currentSetPoint(current), Unit: "C"},
	}
	return req, function, nil
}

// currentFunction returns the device's last known function, defaulting
// to heating before the first cloud report.
func currentFunction(current Snapshot) smarther.ThermostatFunction {
	if current.Value(CapabilityFunction) == "cooling" {
		return smarther.FunctionCooling
	}
	return smarther.FunctionHeating
}

// currentSetPoint returns the device's last known target temperature,
// or defaultSetPoint before the first cloud report.
func currentSetPoint(current Snapshot) float64 {
	raw := current.Value(CapabilityTargetTemperature)
	if raw == "" {
		return defaultSetPoint
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultSetPoint
	}
	return v
}

// parseCloudTime accepts both RFC3339 and the cloud's zone-less layout.
func parseCloudTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.Parse(cloudTimeLayout, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// formatMeasure renders a measurement value with the thermostat's
// one-decimal resolution.
func formatMeasure(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
