package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Websocket WebsocketConfig `yaml:"websocket"`
	HTTP      HTTPConfig      `yaml:"http"`
	Serial    SerialConfig    `yaml:"serial"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains UDP transport and main loop configuration.
// UDPPort and MulticastGroup are part of the device firmware contract and
// must not change independently on either side.
type ServerConfig struct {
	UDPPort          int    `yaml:"udp_port"`
	BindAddress      string `yaml:"bind_address"`
	MulticastGroup   string `yaml:"multicast_group"`
	BufferSize       int    `yaml:"buffer_size"`
	DeviceTimeoutMS  int    `yaml:"device_timeout_ms"`
	UpkeepIntervalMS int    `yaml:"upkeep_interval_ms"`
	LoopPeriodMS     int    `yaml:"loop_period_ms"`
}

// WebsocketConfig contains the relay websocket server configuration
type WebsocketConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// HTTPConfig contains the monitoring HTTP API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// SerialConfig contains the device serial write-side configuration
type SerialConfig struct {
	Enabled  bool   `yaml:"enabled"`
	PortPath string `yaml:"port_path"`
	BaudRate int    `yaml:"baud_rate"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no config file is supplied.
// The UDP port and multicast group match the device firmware.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:          5828,
			BindAddress:      "0.0.0.0",
			MulticastGroup:   "239.255.0.123",
			BufferSize:       1 << 16,
			DeviceTimeoutMS:  5000,
			UpkeepIntervalMS: 1000,
			LoopPeriodMS:     20,
		},
		Websocket: WebsocketConfig{
			Port:    8298,
			Address: "127.0.0.1",
			Enabled: true,
		},
		HTTP: HTTPConfig{
			Port:    8299,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Serial: SerialConfig{
			Enabled:  false,
			PortPath: "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Sections omitted from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Websocket.Validate(); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Serial.Validate(); err != nil {
		return fmt.Errorf("serial config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates UDP transport configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	// Empty disables the multicast join entirely.
	if s.MulticastGroup != "" {
		group, err := netip.ParseAddr(s.MulticastGroup)
		if err != nil {
			return fmt.Errorf("multicast_group is not a valid address: %w", err)
		}
		if !group.Is4() || !group.IsMulticast() {
			return fmt.Errorf("multicast_group must be an IPv4 multicast address, got %s", s.MulticastGroup)
		}
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.DeviceTimeoutMS < 1 {
		return fmt.Errorf("device_timeout_ms must be positive, got %d", s.DeviceTimeoutMS)
	}

	if s.UpkeepIntervalMS < 1 {
		return fmt.Errorf("upkeep_interval_ms must be positive, got %d", s.UpkeepIntervalMS)
	}

	if s.LoopPeriodMS < 1 {
		return fmt.Errorf("loop_period_ms must be positive, got %d", s.LoopPeriodMS)
	}

	return nil
}

// Validate validates websocket configuration
func (w *WebsocketConfig) Validate() error {
	if w.Enabled {
		if w.Port < 1 || w.Port > 65535 {
			return fmt.Errorf("websocket port must be between 1 and 65535, got %d", w.Port)
		}

		if w.Address == "" {
			return fmt.Errorf("websocket address cannot be empty when enabled")
		}
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when enabled")
		}
	}

	return nil
}

// Validate validates serial configuration
func (s *SerialConfig) Validate() error {
	if s.Enabled {
		if s.PortPath == "" {
			return fmt.Errorf("port_path cannot be empty when serial is enabled")
		}

		if s.BaudRate < 1 {
			return fmt.Errorf("baud_rate must be positive, got %d", s.BaudRate)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetDeviceTimeout returns the device timeout as a time.Duration
func (s *ServerConfig) GetDeviceTimeout() time.Duration {
	return time.Duration(s.DeviceTimeoutMS) * time.Millisecond
}

// GetUpkeepInterval returns the upkeep interval as a time.Duration
func (s *ServerConfig) GetUpkeepInterval() time.Duration {
	return time.Duration(s.UpkeepIntervalMS) * time.Millisecond
}

// GetLoopPeriod returns the main loop target period as a time.Duration
func (s *ServerConfig) GetLoopPeriod() time.Duration {
	return time.Duration(s.LoopPeriodMS) * time.Millisecond
}
