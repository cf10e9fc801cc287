package registry

import (
	"fmt"
	"time"
)

// Config holds per-session settings. Each Connect may carry its own Config;
// otherwise the registry's defaults apply.
type Config struct {
	// MaxHistorySize is the number of snapshots retained per session.
	// Default: 100. Must be at least 1.
	MaxHistorySize int

	// SampleInterval is the minimum time between outbound performance
	// samples. Zero disables throttling.
	// Default: 16ms.
	SampleInterval time.Duration

	// HandshakeTimeout bounds the wait for HANDSHAKE_ACK. Zero disables
	// the timeout.
	// Default: 3 seconds.
	HandshakeTimeout time.Duration

	// RetainHistoryOnReconnect keeps the session and its history when it
	// disconnects, so a reconnect continues where it left off. When false
	// the session is removed on disconnect.
	// Default: true.
	RetainHistoryOnReconnect bool
}

// DefaultConfig returns a Config with the default settings.
func DefaultConfig() Config {
	return Config{
		MaxHistorySize:           100,
		SampleInterval:           16 * time.Millisecond,
		HandshakeTimeout:         3 * time.Second,
		RetainHistoryOnReconnect: true,
	}
}

// Validate checks the bounds of every setting.
func (c Config) Validate() error {
	if c.MaxHistorySize < 1 {
		return fmt.Errorf("%w: maxHistorySize must be >= 1, got %d", ErrInvalidConfig, c.MaxHistorySize)
	}
	if c.SampleInterval < 0 {
		return fmt.Errorf("%w: sampleInterval must be >= 0, got %v", ErrInvalidConfig, c.SampleInterval)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshakeTimeout must be >= 0, got %v", ErrInvalidConfig, c.HandshakeTimeout)
	}
	return nil
}

// ConfigFromMillis builds a Config from the millisecond values used in
// configuration files.
func ConfigFromMillis(maxHistory, sampleIntervalMs, handshakeTimeoutMs int, retain bool) Config {
	return Config{
		MaxHistorySize:           maxHistory,
		SampleInterval:           time.Duration(sampleIntervalMs) * time.Millisecond,
		HandshakeTimeout:         time.Duration(handshakeTimeoutMs) * time.Millisecond,
		RetainHistoryOnReconnect: retain,
	}
}
