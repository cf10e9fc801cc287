package registry

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"history one", func(c *Config) { c.MaxHistorySize = 1 }, true},
		{"history zero", func(c *Config) { c.MaxHistorySize = 0 }, false},
		{"no throttle", func(c *Config) { c.SampleInterval = 0 }, true},
		{"negative interval", func(c *Config) { c.SampleInterval = -time.Millisecond }, false},
		{"negative timeout", func(c *Config) { c.HandshakeTimeout = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigFromMillis(t *testing.T) {
	cfg := ConfigFromMillis(100, 16, 3000, true)
	if cfg != DefaultConfig() {
		t.Fatalf("ConfigFromMillis = %+v, want defaults", cfg)
	}
}

func TestNewRejectsBadDefaults(t *testing.T) {
	bad := DefaultConfig()
	bad.MaxHistorySize = -1
	if _, err := New(nil, WithDefaults(bad)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New = %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	allowed := [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateError},
		{StateConnected, StateDisconnected},
		{StateConnected, StateError},
		{StateError, StateDisconnected},
	}
	for _, tr := range allowed {
		if !canTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s rejected", tr[0], tr[1])
		}
	}
	if canTransition(StateDisconnected, StateConnected) {
		t.Error("Disconnected -> Connected allowed")
	}
	if canTransition(StateError, StateConnected) {
		t.Error("Error -> Connected allowed")
	}
	if b, _ := StateConnected.MarshalText(); string(b) != "connected" {
		t.Errorf("MarshalText = %s", b)
	}
}
