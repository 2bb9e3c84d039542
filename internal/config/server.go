// Package config loads the settings of the relay server and the voice client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPort            = "8080"
	defaultOutputCodec     = "pcm"
	defaultCleanupInterval = 30 * time.Minute
	defaultModelBackend    = ModelBackendGemini
)

// Model backends
const (
	ModelBackendGemini = "gemini"
	ModelBackendMock   = "mock"
)

// ServerConfig holds the relay server settings read from the environment
type ServerConfig struct {
	Port string
	// OutputCodec is the downlink codec for clients that do not ask for one: pcm or opus.
	OutputCodec string
	// SystemPrompt overrides the built-in assistant instruction when set.
	SystemPrompt string
	// ModelBackend selects gemini or mock models.
	ModelBackend string
	// UseMongo stores sessions in MongoDB instead of memory.
	UseMongo bool
	// SeedDevice registers one device at startup when both fields are set.
	DeviceSerial string
	DeviceSecret string
	// CleanupInterval is the period of the session expiry sweep.
	CleanupInterval time.Duration
}

// NewServerConfigFromEnv reads the server settings. SYSTEM_PROMPT_FILE is
// loaded here so that a missing file fails at startup.
func NewServerConfigFromEnv() (ServerConfig, error) {
	config := ServerConfig{
		Port:         os.Getenv("PORT"),
		OutputCodec:  strings.ToLower(os.Getenv("RELAY_OUTPUT_CODEC")),
		ModelBackend: strings.ToLower(os.Getenv("MODEL_BACKEND")),
		UseMongo:     os.Getenv("MONGODB_URI") != "",
		DeviceSerial: os.Getenv("DEVICE_SERIAL"),
		DeviceSecret: os.Getenv("DEVICE_SECRET"),
	}

	if path := os.Getenv("SYSTEM_PROMPT_FILE"); path != "" {
		prompt, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("failed to read system prompt file: %w", err)
		}
		config.SystemPrompt = strings.TrimSpace(string(prompt))
	}

	if interval := os.Getenv("SESSION_CLEANUP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return config, fmt.Errorf("invalid SESSION_CLEANUP_INTERVAL: %w", err)
		}
		config.CleanupInterval = d
	}

	return config, nil
}

// ValidateServerConfig validates the configuration and applies defaults
func ValidateServerConfig(config *ServerConfig, logger *zap.Logger) error {
	if config.Port == "" {
		config.Port = defaultPort
		logger.Info("Using default port", zap.String("port", config.Port))
	}
	if port, err := strconv.Atoi(config.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %q", config.Port)
	}

	if config.OutputCodec == "" {
		config.OutputCodec = defaultOutputCodec
		logger.Info("Using default output codec", zap.String("codec", config.OutputCodec))
	}
	if config.OutputCodec != "pcm" && config.OutputCodec != "opus" {
		return fmt.Errorf("output codec must be pcm or opus, got %q", config.OutputCodec)
	}

	if config.ModelBackend == "" {
		config.ModelBackend = defaultModelBackend
		logger.Info("Using default model backend", zap.String("backend", config.ModelBackend))
	}
	if config.ModelBackend != ModelBackendGemini && config.ModelBackend != ModelBackendMock {
		return fmt.Errorf("model backend must be gemini or mock, got %q", config.ModelBackend)
	}

	if (config.DeviceSerial == "") != (config.DeviceSecret == "") {
		return fmt.Errorf("DEVICE_SERIAL and DEVICE_SECRET must be set together")
	}

	if config.CleanupInterval == 0 {
		config.CleanupInterval = defaultCleanupInterval
		logger.Info("Using default session cleanup interval", zap.Duration("interval", config.CleanupInterval))
	}
	if config.CleanupInterval < time.Second {
		return fmt.Errorf("session cleanup interval must be at least 1s, got %s", config.CleanupInterval)
	}

	return nil
}
