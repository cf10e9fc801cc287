package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/binaryjack/formular-dev-tools/pkg/transport"
)

// ErrInvalidConfig is returned for an unusable Config.
var ErrInvalidConfig = errors.New("server: invalid config")

// Config holds configuration for the HTTP/WebSocket server.
type Config struct {
	// Address is the address to listen on (e.g., ":9229" or "localhost:9229").
	// Default: ":9229".
	Address string

	// AllowedOrigin is the origin of the form host page. WebSocket upgrades
	// from any other origin are refused, and the channel drops messages
	// that do not carry it. transport.AnyOrigin disables the check.
	AllowedOrigin string

	// SendBuffer is the per-connection write queue length.
	// Default: transport.DefaultSendBuffer.
	SendBuffer int

	// MaxMessageSize is the maximum size of an inbound WebSocket message.
	// Default: transport.DefaultReadLimit.
	MaxMessageSize int64

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults. AllowedOrigin has
// no default and must be set.
func DefaultConfig() Config {
	return Config{
		Address:           ":9229",
		SendBuffer:        transport.DefaultSendBuffer,
		MaxMessageSize:    transport.DefaultReadLimit,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Address == "":
		return fmt.Errorf("%w: address is empty", ErrInvalidConfig)
	case c.AllowedOrigin == "":
		return fmt.Errorf("%w: allowed origin is empty", ErrInvalidConfig)
	case c.SendBuffer < 0:
		return fmt.Errorf("%w: send buffer %d is negative", ErrInvalidConfig, c.SendBuffer)
	case c.MaxMessageSize < 0:
		return fmt.Errorf("%w: max message size %d is negative", ErrInvalidConfig, c.MaxMessageSize)
	case c.ReadHeaderTimeout < 0 || c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	return nil
}
