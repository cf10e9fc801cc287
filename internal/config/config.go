package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/export"
	"github.com/binaryjack/formular-dev-tools/pkg/registry"
	"github.com/binaryjack/formular-dev-tools/pkg/server"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "formular-devtools.json"

	// DefaultAddress is the default listen address of the inspector server.
	DefaultAddress = ":9229"

	// DefaultShutdownTimeout is the default graceful shutdown window.
	DefaultShutdownTimeout = "10s"

	// DefaultExportDir is the default directory of the disk export backend.
	DefaultExportDir = "exports"
)

// Export backends.
const (
	BackendNone = ""
	BackendDisk = "disk"
	BackendS3   = "s3"
)

// Config represents the complete configuration file.
type Config struct {
	// Server contains the HTTP/WebSocket endpoint configuration.
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`

	// Session contains the defaults applied to every session.
	Session SessionConfig `json:"session" yaml:"session" toml:"session"`

	// Log contains logging configuration.
	Log LogConfig `json:"log" yaml:"log" toml:"log"`

	// Metrics contains Prometheus configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`

	// Export contains history export configuration.
	Export ExportConfig `json:"export" yaml:"export" toml:"export"`

	// configPath is the path to the loaded config file.
	configPath string
}

// ServerConfig configures the inspector endpoint.
type ServerConfig struct {
	// Address is the listen address (e.g., ":9229").
	Address string `json:"address,omitempty" yaml:"address,omitempty" toml:"address,omitempty"`

	// AllowedOrigin is the origin of the form host page. "*" disables the
	// origin check and should only be used locally.
	AllowedOrigin string `json:"allowedOrigin,omitempty" yaml:"allowedOrigin,omitempty" toml:"allowedOrigin,omitempty"`

	// MaxMessageSize limits inbound WebSocket messages, in bytes.
	MaxMessageSize int64 `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty" toml:"maxMessageSize,omitempty"`

	// SendBuffer is the per-connection write queue length.
	SendBuffer int `json:"sendBuffer,omitempty" yaml:"sendBuffer,omitempty" toml:"sendBuffer,omitempty"`

	// ShutdownTimeout is a Go duration string (e.g., "10s").
	ShutdownTimeout string `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty" toml:"shutdownTimeout,omitempty"`
}

// SessionConfig holds the registry defaults.
type SessionConfig struct {
	MaxHistorySize     int `json:"maxHistorySize,omitempty" yaml:"maxHistorySize,omitempty" toml:"maxHistorySize,omitempty"`
	SampleIntervalMs   int `json:"sampleIntervalMs,omitempty" yaml:"sampleIntervalMs,omitempty" toml:"sampleIntervalMs,omitempty"`
	HandshakeTimeoutMs int `json:"handshakeTimeoutMs,omitempty" yaml:"handshakeTimeoutMs,omitempty" toml:"handshakeTimeoutMs,omitempty"`

	// RetainHistoryOnReconnect defaults to true when unset.
	RetainHistoryOnReconnect *bool `json:"retainHistoryOnReconnect,omitempty" yaml:"retainHistoryOnReconnect,omitempty" toml:"retainHistoryOnReconnect,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
}

// ExportConfig selects where exported histories are written.
type ExportConfig struct {
	// Backend is "", "disk" or "s3". Empty disables exports.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty" toml:"backend,omitempty"`

	// Dir is the directory of the disk backend.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir,omitempty"`

	S3 S3Config `json:"s3,omitempty" yaml:"s3,omitempty" toml:"s3,omitempty"`
}

// S3Config configures the S3 backend. Credentials come from the AWS
// default chain.
type S3Config struct {
	Bucket       string `json:"bucket,omitempty" yaml:"bucket,omitempty" toml:"bucket,omitempty"`
	Prefix       string `json:"prefix,omitempty" yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	UsePathStyle bool   `json:"usePathStyle,omitempty" yaml:"usePathStyle,omitempty" toml:"usePathStyle,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	retain := true
	return &Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Session: SessionConfig{
			MaxHistorySize:           100,
			SampleIntervalMs:         16,
			HandshakeTimeoutMs:       3000,
			RetainHistoryOnReconnect: &retain,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the specified directory.
// It looks for formular-devtools.json in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path. The format
// follows the extension: .yaml/.yml, .toml, anything else is JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfigNotFound).
				WithDetail("No " + filepath.Base(path) + " found in " + filepath.Dir(path))
		}
		return nil, errors.New(errors.CodeConfigParse).Wrap(err)
	}

	cfg := New()
	if err := unmarshal(path, data, cfg); err != nil {
		return nil, errors.New(errors.CodeConfigParse).
			WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error())
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return json.Unmarshal(data, cfg)
	}
}

// SaveTo writes the configuration to the specified path, in the format
// its extension names.
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	default:
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return errors.New(errors.CodeConfigParse).Wrap(err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New(errors.CodeConfigParse).Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	defaults := New()

	if c.Server.Address == "" {
		c.Server.Address = defaults.Server.Address
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Session.MaxHistorySize == 0 {
		c.Session.MaxHistorySize = defaults.Session.MaxHistorySize
	}
	if c.Session.RetainHistoryOnReconnect == nil {
		c.Session.RetainHistoryOnReconnect = defaults.Session.RetainHistoryOnReconnect
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Export.Backend == BackendDisk && c.Export.Dir == "" {
		c.Export.Dir = DefaultExportDir
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	invalid := func(detail string) error {
		return errors.New(errors.CodeConfigInvalid).WithDetail(detail)
	}

	if _, port, err := net.SplitHostPort(c.Server.Address); err != nil {
		return invalid("server.address must be host:port: " + err.Error())
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return invalid("Port must be between 0 and 65535")
	}
	if c.Server.MaxMessageSize < 0 || c.Server.SendBuffer < 0 {
		return invalid("server.maxMessageSize and server.sendBuffer must not be negative")
	}
	if _, err := c.ShutdownTimeout(); err != nil {
		return invalid("server.shutdownTimeout: " + err.Error())
	}

	if err := c.SessionDefaults().Validate(); err != nil {
		return errors.New(errors.CodeConfigInvalid).Wrap(err)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid(fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}

	switch c.Export.Backend {
	case BackendNone, BackendDisk:
	case BackendS3:
		if c.Export.S3.Bucket == "" {
			return invalid("export.s3.bucket is required for the s3 backend")
		}
	default:
		return invalid(fmt.Sprintf("export.backend %q is not disk or s3", c.Export.Backend))
	}
	return nil
}

// ShutdownTimeout parses server.shutdownTimeout.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", d)
	}
	return d, nil
}

// SessionDefaults converts the session section to registry defaults.
func (c *Config) SessionDefaults() registry.Config {
	retain := true
	if c.Session.RetainHistoryOnReconnect != nil {
		retain = *c.Session.RetainHistoryOnReconnect
	}
	return registry.ConfigFromMillis(
		c.Session.MaxHistorySize,
		c.Session.SampleIntervalMs,
		c.Session.HandshakeTimeoutMs,
		retain,
	)
}

// ServerConfig converts the server section to a server.Config.
func (c *Config) ServerConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = c.Server.Address
	cfg.AllowedOrigin = c.Server.AllowedOrigin
	if c.Server.MaxMessageSize > 0 {
		cfg.MaxMessageSize = c.Server.MaxMessageSize
	}
	if c.Server.SendBuffer > 0 {
		cfg.SendBuffer = c.Server.SendBuffer
	}
	if d, err := c.ShutdownTimeout(); err == nil {
		cfg.ShutdownTimeout = d
	}
	return cfg
}

// ExportS3Config converts the S3 section to the export client settings.
func (c *Config) ExportS3Config() export.S3Config {
	return export.S3Config{
		Region:       c.Export.S3.Region,
		Endpoint:     c.Export.S3.Endpoint,
		UsePathStyle: c.Export.S3.UsePathStyle,
	}
}
