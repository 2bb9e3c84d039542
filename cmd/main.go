package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/adapters"
	"github.com/satriahrh/revvoice/adapters/llm"
	"github.com/satriahrh/revvoice/adapters/mongo"
	"github.com/satriahrh/revvoice/adapters/stt"
	"github.com/satriahrh/revvoice/adapters/tts"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/api"
	"github.com/satriahrh/revvoice/internal/auth"
	"github.com/satriahrh/revvoice/internal/config"
	"github.com/satriahrh/revvoice/internal/metrics"
	"github.com/satriahrh/revvoice/internal/websocket"
	"github.com/satriahrh/revvoice/usecase"
)

const (
	shutdownTimeout = 10 * time.Second
	bodyLimit       = "10M"
	defaultLanguage = "en-IN"
)

// models are the model backends used by the relay and the turn-based pipeline
type models struct {
	live         repositories.LiveModel
	conversation repositories.ConversationModel
	language     string
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	serverConfig, err := config.NewServerConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to read server config", zap.Error(err))
	}
	if err := config.ValidateServerConfig(&serverConfig, logger); err != nil {
		logger.Fatal("Invalid server config", zap.Error(err))
	}

	jwtConfig, err := auth.NewJWTConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to read JWT config", zap.Error(err))
	}
	if err := auth.ValidateJWTConfig(&jwtConfig, logger); err != nil {
		logger.Fatal("Invalid JWT config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize adapters
	m := metrics.New(prometheus.NewRegistry())
	model := newModels(ctx, serverConfig, logger)

	devices := adapters.NewMemoryDeviceRepository()
	if serverConfig.DeviceSerial != "" {
		err := devices.Create(ctx, &entities.Device{
			SerialNumber: serverConfig.DeviceSerial,
			SecretKey:    serverConfig.DeviceSecret,
			Model:        "RV400",
		})
		if err != nil {
			logger.Fatal("Failed to register device", zap.Error(err))
		}
		logger.Info("Registered device", zap.String("serial_number", serverConfig.DeviceSerial))
	}

	sessions, closeSessions := newSessionRepository(ctx, serverConfig, logger)
	defer closeSessions()

	speechToText, closeSpeech := newSpeechToText(ctx, serverConfig, logger)
	defer closeSpeech()
	textToSpeech := newTextToSpeech(serverConfig, logger)

	// Initialize usecase services
	systemPrompt := serverConfig.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = llm.GeminiHardcodedConfig.SystemPrompt
	}
	relayService := usecase.NewRelayService(model.live, sessions, m, usecase.RelayConfig{
		SystemInstruction: systemPrompt,
		OutputCodec:       serverConfig.OutputCodec,
	}, logger)
	conversationService := usecase.NewConversationService(
		model.conversation, speechToText, textToSpeech, sessions, m, model.language, logger)

	// Initialize WebSocket hub with the relay
	hub := websocket.NewHub(relayService, logger)
	go hub.Run(ctx)

	cleanup := websocket.NewSessionCleanupService(sessions, serverConfig.CleanupInterval, logger)
	cleanup.Start()
	defer cleanup.Stop()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(m.Middleware())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Devices:      devices,
		JWT:          auth.NewJWTManager(jwtConfig),
		Hub:          hub,
		Relay:        relayService,
		Conversation: conversationService,
		Metrics:      m,
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + serverConfig.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Relay server started",
		zap.String("port", serverConfig.Port),
		zap.String("model_backend", serverConfig.ModelBackend),
		zap.String("output_codec", serverConfig.OutputCodec))

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newModels picks the Gemini adapters, or the mocks when the backend is mock
// or no API key is configured.
func newModels(ctx context.Context, serverConfig config.ServerConfig, logger *zap.Logger) models {
	mock := models{
		live:         llm.NewMockLiveModel(),
		conversation: llm.NewMockConversation(),
		language:     defaultLanguage,
	}
	if serverConfig.ModelBackend == config.ModelBackendMock {
		logger.Info("Using mock models")
		return mock
	}

	geminiConfig := llm.NewGeminiConfigFromEnv()
	if geminiConfig.APIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, using mock models")
		return mock
	}
	if serverConfig.SystemPrompt != "" {
		geminiConfig.SystemPrompt = serverConfig.SystemPrompt
	}

	client, err := llm.NewGeminiClient(ctx, geminiConfig, logger)
	if err != nil {
		logger.Fatal("Failed to create Gemini client", zap.Error(err))
	}

	language := geminiConfig.Language
	if language == "" {
		language = defaultLanguage
	}
	return models{
		live:         llm.NewGeminiLive(client, geminiConfig, logger),
		conversation: llm.NewGeminiConversation(client, geminiConfig, logger),
		language:     language,
	}
}

func newSessionRepository(ctx context.Context, serverConfig config.ServerConfig, logger *zap.Logger) (repositories.SessionRepository, func()) {
	if !serverConfig.UseMongo {
		logger.Info("Using in-memory session storage")
		return adapters.NewMemorySessionRepository(), func() {}
	}

	client, err := mongo.NewClient(ctx, mongo.NewConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}

	repo := mongo.NewSessionRepository(client.Database, logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Fatal("Failed to create session indexes", zap.Error(err))
	}

	return repo, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = client.Close(closeCtx)
	}
}

// newSpeechToText uses Google Cloud Speech when credentials are configured.
func newSpeechToText(ctx context.Context, serverConfig config.ServerConfig, logger *zap.Logger) (repositories.SpeechToText, func()) {
	if serverConfig.ModelBackend == config.ModelBackendMock {
		return stt.NewMockSpeechToText(logger), func() {}
	}
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		logger.Info("GOOGLE_APPLICATION_CREDENTIALS not set, recorded questions go to the model directly")
		return nil, func() {}
	}

	speech, err := stt.NewGoogleSpeechToText(ctx, logger)
	if err != nil {
		logger.Warn("Speech-to-text unavailable", zap.Error(err))
		return nil, func() {}
	}
	return speech, func() { _ = speech.Close() }
}

// newTextToSpeech uses ElevenLabs when an API key is configured.
func newTextToSpeech(serverConfig config.ServerConfig, logger *zap.Logger) repositories.TextToSpeech {
	elevenLabsConfig := tts.NewElevenLabsConfigFromEnv()
	if serverConfig.ModelBackend == config.ModelBackendMock || elevenLabsConfig.APIKey == "" {
		logger.Info("Using mock text-to-speech")
		return tts.NewMockTextToSpeech(logger)
	}

	speech, err := tts.NewElevenLabsTTS(elevenLabsConfig, &http.Client{Timeout: 60 * time.Second}, logger)
	if err != nil {
		logger.Fatal("Failed to create ElevenLabs client", zap.Error(err))
	}
	return speech
}
