package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satriahrh/revvoice/domain/entities"
)

// Transports the client can use to reach the relay
const (
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
)

// ClientConfig represents the voice client configuration file
type ClientConfig struct {
	Server   ServerEndpoint `yaml:"server"`
	Device   DeviceConfig   `yaml:"device"`
	Audio    AudioConfig    `yaml:"audio"`
	Mode     string         `yaml:"mode"`     // duplex or turn
	Pipeline string         `yaml:"pipeline"` // live or converse
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerEndpoint locates the relay
type ServerEndpoint struct {
	URL       string `yaml:"url"`
	Transport string `yaml:"transport"`
	Token     string `yaml:"token"`
}

// DeviceConfig holds the credentials exchanged for a token when none is configured
type DeviceConfig struct {
	Serial string `yaml:"serial"`
	Secret string `yaml:"secret"`
}

// AudioConfig contains capture and playback parameters
type AudioConfig struct {
	InputFormats  []string      `yaml:"input_formats"`
	OutputFormat  string        `yaml:"output_format"`
	ChunkInterval time.Duration `yaml:"chunk_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultClientConfig returns the configuration used when no file is given
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Server: ServerEndpoint{
			URL:       "http://localhost:8080",
			Transport: TransportWebSocket,
		},
		Audio: AudioConfig{
			InputFormats:  []string{"audio/pcm;rate=16000", "audio/pcm;rate=48000"},
			OutputFormat:  "audio/pcm;rate=24000",
			ChunkInterval: 100 * time.Millisecond,
		},
		Mode:     "duplex",
		Pipeline: "live",
		Logging:  LoggingConfig{Level: "info"},
	}
}

// LoadClientConfig reads the configuration file over the defaults, applies
// environment overrides and validates the result. An empty path skips the file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	config := DefaultClientConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (c *ClientConfig) applyEnv() {
	if v := os.Getenv("REV_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("REV_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("REV_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("REV_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("DEVICE_SERIAL"); v != "" {
		c.Device.Serial = v
	}
	if v := os.Getenv("DEVICE_SECRET"); v != "" {
		c.Device.Secret = v
	}
}

// Validate performs validation of the configuration
func (c *ClientConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if c.Server.Token == "" && (c.Device.Serial == "" || c.Device.Secret == "") {
		return errors.New("either server.token or device serial and secret are required")
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	switch c.Mode {
	case "duplex", "turn":
	default:
		return fmt.Errorf("mode must be duplex or turn, got %q", c.Mode)
	}
	switch c.Pipeline {
	case "live":
	case "converse":
		if c.Mode != "turn" {
			return errors.New("converse pipeline requires turn mode")
		}
		if c.Server.Transport != TransportHTTP {
			return errors.New("converse pipeline requires the http transport")
		}
	default:
		return fmt.Errorf("pipeline must be live or converse, got %q", c.Pipeline)
	}

	return nil
}

// Validate validates the relay endpoint
func (s *ServerEndpoint) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server url %q", s.URL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if s.Transport != TransportWebSocket && s.Transport != TransportHTTP {
		return fmt.Errorf("transport must be websocket or http, got %q", s.Transport)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if len(a.InputFormats) == 0 {
		return errors.New("at least one input format is required")
	}
	for _, f := range a.InputFormats {
		if _, err := entities.ParseAudioFormat(f); err != nil {
			return err
		}
	}
	if _, err := entities.ParseAudioFormat(a.OutputFormat); err != nil {
		return fmt.Errorf("output_format: %w", err)
	}
	if a.ChunkInterval < 10*time.Millisecond || a.ChunkInterval > time.Second {
		return fmt.Errorf("chunk_interval must be between 10ms and 1s, got %s", a.ChunkInterval)
	}
	return nil
}
