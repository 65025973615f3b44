package mqtt

import (
	"errors"
	"testing"
)

func TestTopicsBuilders(t *testing.T) {
	topics := Topics{Base: "smarther"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"device state", topics.DeviceState("mod-1", "targetTemperature"), "smarther/mod-1/state/targetTemperature"},
		{"device set", topics.DeviceSet("mod-1", "mode"), "smarther/mod-1/set/mode"},
		{"device status", topics.DeviceStatus("mod-1"), "smarther/mod-1/status"},
		{"bridge status", topics.BridgeStatus(), "smarther/bridge/status"},
		{"all commands", topics.AllDeviceCommands(), "smarther/+/set/+"},
		{"all states", topics.AllDeviceStates(), "smarther/+/state/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopicsDefaultBase(t *testing.T) {
	topics := Topics{}
	if got := topics.BridgeStatus(); got != "smarther/bridge/status" {
		t.Errorf("BridgeStatus() with empty base = %q, want smarther/bridge/status", got)
	}
}

func TestParseCommandTopic(t *testing.T) {
	topics := Topics{Base: "smarther"}

	tests := []struct {
		name       string
		topic      string
		wantModule string
		wantCap    string
		wantErr    bool
	}{
		{"valid", "smarther/mod-1/set/targetTemperature", "mod-1", "targetTemperature", false},
		{"valid mode", "smarther/therm1/set/mode", "therm1", "mode", false},
		{"wrong prefix", "other/mod-1/set/mode", "", "", true},
		{"state topic", "smarther/mod-1/state/mode", "", "", true},
		{"missing capability", "smarther/mod-1/set", "", "", true},
		{"extra segments", "smarther/mod-1/set/mode/extra", "", "", true},
		{"empty module", "smarther//set/mode", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			moduleID, capability, err := topics.ParseCommandTopic(tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCommandTopic(%q) expected error", tt.topic)
				}
				if !errors.Is(err, ErrInvalidTopic) {
					t.Errorf("error = %v, want ErrInvalidTopic", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommandTopic(%q) error = %v", tt.topic, err)
			}
			if moduleID != tt.wantModule || capability != tt.wantCap {
				t.Errorf("got (%q, %q), want (%q, %q)", moduleID, capability, tt.wantModule, tt.wantCap)
			}
		})
	}
}

func TestParseCommandTopicMultiLevelBase(t *testing.T) {
	topics := Topics{Base: "home/smarther"}

	moduleID, capability, err := topics.ParseCommandTopic("home/smarther/mod-1/set/boost")
	if err != nil {
		t.Fatalf("ParseCommandTopic() error = %v", err)
	}
	if moduleID != "mod-1" || capability != "boost" {
		t.Errorf("got (%q, %q), want (mod-1, boost)", moduleID, capability)
	}
}
