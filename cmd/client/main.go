package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/satriahrh/revvoice/adapters/audio"
	"github.com/satriahrh/revvoice/adapters/relay"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/internal/config"
	"github.com/satriahrh/revvoice/internal/voice"
)

const usage = `Commands:
  <enter>  start or stop recording
  s        stop playback
  h        show conversation history
  q        quit`

func main() {
	configPath := flag.String("config", "", "path to the client configuration file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	clientConfig, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(clientConfig.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, clientConfig, logger); err != nil {
		logger.Error("Client stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, clientConfig *config.ClientConfig, logger *zap.Logger) error {
	httpClient := &http.Client{}

	token := clientConfig.Server.Token
	if token == "" {
		authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		auth, err := relay.Authenticate(authCtx, httpClient, clientConfig.Server.URL,
			clientConfig.Device.Serial, clientConfig.Device.Secret)
		cancel()
		if err != nil {
			return fmt.Errorf("device authentication failed: %w", err)
		}
		token = auth.Token
		logger.Info("Device authenticated",
			zap.String("device_id", auth.DeviceID),
			zap.Time("expires_at", auth.ExpiresAt))
	}

	outputFormat, err := entities.ParseAudioFormat(clientConfig.Audio.OutputFormat)
	if err != nil {
		return err
	}

	mic, err := audio.NewMicrophone(logger)
	if err != nil {
		return err
	}
	defer mic.Close()

	speaker, err := audio.NewSpeaker(outputFormat, logger)
	if err != nil {
		return err
	}

	deps := voice.ControllerDeps{Input: mic, Output: speaker}
	switch clientConfig.Server.Transport {
	case config.TransportHTTP:
		httpRelay := relay.NewHTTPRelay(clientConfig.Server.URL, token, httpClient, logger)
		deps.Relay = httpRelay
		deps.Assistant = httpRelay
	default:
		deps.Relay = relay.NewWebSocketRelay(clientConfig.Server.URL, token, logger)
	}

	controller, err := voice.NewController(deps, voice.ControllerConfig{
		Mode:          voice.Mode(clientConfig.Mode),
		Pipeline:      voice.Pipeline(clientConfig.Pipeline),
		InputFormats:  clientConfig.Audio.InputFormats,
		OutputFormat:  clientConfig.Audio.OutputFormat,
		ChunkInterval: clientConfig.Audio.ChunkInterval,
		OnTranscript:  printTranscript,
	}, logger)
	if err != nil {
		return err
	}
	defer controller.Close()

	fmt.Println(usage)
	return commandLoop(ctx, controller)
}

// commandLoop reads one command per line until quit, EOF or cancellation.
func commandLoop(ctx context.Context, controller *voice.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(line) {
			case "":
				toggleRecording(ctx, controller)
			case "s":
				controller.StopPlayback()
			case "h":
				for _, entry := range controller.History() {
					fmt.Println("  " + entry)
				}
			case "q":
				return nil
			default:
				fmt.Println(usage)
			}
			fmt.Printf("[%s]\n", controller.Status())
		}
	}
}

func toggleRecording(ctx context.Context, controller *voice.Controller) {
	if controller.Status() == voice.StatusRecording {
		if err := controller.StopRecording(ctx); err != nil {
			fmt.Printf("stop recording: %v\n", err)
		}
		return
	}
	if err := controller.StartRecording(ctx); err != nil && !errors.Is(err, voice.ErrClosed) {
		fmt.Printf("start recording: %v\n", err)
	}
}

func printTranscript(t entities.Transcript) {
	if t.Text == "" {
		return
	}
	speaker := "you"
	if t.Role == entities.MessageRoleAssistant {
		speaker = "rev"
	}
	fmt.Printf("%s: %s\n", speaker, t.Text)
}

// newLogger writes to stderr so that stdout stays readable.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stderr"}
	return zapConfig.Build()
}
