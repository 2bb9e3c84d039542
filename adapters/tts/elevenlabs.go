package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"   // Rachel voice
	defaultChunkSize    = 4800                     // 100ms of 24kHz PCM
	defaultOutputFormat = "pcm_24000"              // PCM format for real-time applications
	defaultModelID      = "eleven_multilingual_v2" // Default model ID
	defaultStability    = 0.5                      // Default voice stability
	defaultClarity      = 0.75                     // Default voice clarity/similarity_boost
)

// ElevenLabsConfig holds configuration for the ElevenLabsTTS adapter
// Required fields:
// - APIKey: Your Eleven Labs API key
// Optional fields with defaults:
// - APIBaseURL: The base URL for the Eleven Labs API (default: "https://api.elevenlabs.io/v1")
// - VoiceID: The voice ID to use (default: "21m00Tcm4TlvDq8ikWAM" - Rachel voice)
// - ModelID: The model ID to use (default: "eleven_multilingual_v2")
// - OutputFormat: pcm_<rate> (default: "pcm_24000")
// - LanguageCode: ISO 639-1 hint for multilingual models
// - ChunkSize: The size of audio chunks to stream, rounded down to whole samples (default: 4800)
// - Stability: Voice stability value between 0 and 1 (default: 0.5)
// - Clarity: Voice clarity/similarity boost value between 0 and 1 (default: 0.75)
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	LanguageCode string
	ChunkSize    int
	Stability    float64
	Clarity      float64
}

// ElevenLabsTTS implements TextToSpeech interface using Eleven Labs API
type ElevenLabsTTS struct {
	apiKey       string
	apiBaseURL   string
	voiceID      string
	modelID      string
	outputFormat string
	languageCode string
	format       entities.AudioFormat
	chunkSize    int
	stability    float64
	clarity      float64
	client       *http.Client
	logger       *zap.Logger
}

// Ensure ElevenLabsTTS implements the TextToSpeech interface
var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

// ElevenLabsVoiceSettings represents voice settings for Eleven Labs API
type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// ElevenLabsRequest represents the request payload for Eleven Labs TTS API
type ElevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	LanguageCode           string                  `json:"language_code,omitempty"`
	VoiceSettings          ElevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
}

// parseOutputFormat maps an Eleven Labs output format such as pcm_24000 to an AudioFormat.
// Only raw PCM can be streamed to the players.
func parseOutputFormat(outputFormat string) (entities.AudioFormat, error) {
	codec, rate, ok := strings.Cut(outputFormat, "_")
	if !ok || codec != "pcm" {
		return entities.AudioFormat{}, fmt.Errorf("unsupported output format %q, expected pcm_<rate>", outputFormat)
	}
	sampleRate, err := strconv.Atoi(rate)
	if err != nil || sampleRate <= 0 {
		return entities.AudioFormat{}, fmt.Errorf("unsupported output format %q, bad sample rate", outputFormat)
	}
	return entities.AudioFormat{Encoding: entities.EncodingPCM, SampleRate: sampleRate, Channels: 1}, nil
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}

	if config.Stability != 0 && (config.Stability < 0 || config.Stability > 1) {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}

	if config.Clarity != 0 && (config.Clarity < 0 || config.Clarity > 1) {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}

	if config.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}

	if config.OutputFormat != "" {
		if _, err := parseOutputFormat(config.OutputFormat); err != nil {
			return err
		}
	}

	return nil
}

// NewElevenLabsTTS creates a new Eleven Labs TTS instance. client may be nil.
func NewElevenLabsTTS(config ElevenLabsConfig, client *http.Client, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	apiBaseURL := config.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
		logger.Info("Using default API base URL", zap.String("apiBaseURL", apiBaseURL))
	}

	voiceID := config.VoiceID
	if voiceID == "" {
		voiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", voiceID))
	}

	modelID := config.ModelID
	if modelID == "" {
		modelID = defaultModelID
		logger.Info("Using default model ID", zap.String("modelID", modelID))
	}

	outputFormat := config.OutputFormat
	if outputFormat == "" {
		outputFormat = defaultOutputFormat
		logger.Info("Using default output format", zap.String("outputFormat", outputFormat))
	}
	format, _ := parseOutputFormat(outputFormat)

	chunkSize := config.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
		logger.Info("Using default chunk size", zap.Int("chunkSize", chunkSize))
	}
	// never split a sample across chunks
	chunkSize -= chunkSize % format.FrameSize()
	if chunkSize == 0 {
		chunkSize = format.FrameSize()
	}

	stability := config.Stability
	if stability == 0 {
		stability = defaultStability
		logger.Info("Using default stability", zap.Float64("stability", stability))
	}

	clarity := config.Clarity
	if clarity == 0 {
		clarity = defaultClarity
		logger.Info("Using default clarity", zap.Float64("clarity", clarity))
	}

	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &ElevenLabsTTS{
		apiKey:       config.APIKey,
		apiBaseURL:   strings.TrimRight(apiBaseURL, "/"),
		voiceID:      voiceID,
		modelID:      modelID,
		outputFormat: outputFormat,
		languageCode: config.LanguageCode,
		format:       format,
		chunkSize:    chunkSize,
		stability:    stability,
		clarity:      clarity,
		client:       client,
		logger:       logger,
	}, nil
}

// OutputFormat is the format of every chunk produced by ConvertTextToSpeech
func (e *ElevenLabsTTS) OutputFormat() entities.AudioFormat {
	return e.format
}

// ConvertTextToSpeech converts text to speech using Eleven Labs API. The
// request is made before returning so that API errors are reported directly;
// failures while streaming arrive as a final chunk with Err set.
func (e *ElevenLabsTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan repositories.SpeechChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	e.logger.Info("Converting text to speech",
		zap.Int("textLength", len(text)),
		zap.String("voiceID", e.voiceID),
		zap.String("modelID", e.modelID))

	request := ElevenLabsRequest{
		Text:                   text,
		ModelID:                e.modelID,
		LanguageCode:           e.languageCode,
		ApplyTextNormalization: "auto",
		VoiceSettings: ElevenLabsVoiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.clarity,
			UseSpeakerBoost: true,
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.apiBaseURL, e.voiceID, e.outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e.logger.Error("Eleven Labs API returned error",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("response", string(errorBody)))
		return nil, fmt.Errorf("eleven labs API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errorBody)))
	}

	audioChan := make(chan repositories.SpeechChunk, 10)
	go e.stream(ctx, resp.Body, audioChan)

	return audioChan, nil
}

func (e *ElevenLabsTTS) stream(ctx context.Context, body io.ReadCloser, audioChan chan<- repositories.SpeechChunk) {
	defer close(audioChan)
	defer body.Close()

	totalBytes := 0
	chunkCount := 0

	send := func(chunk repositories.SpeechChunk) bool {
		select {
		case audioChan <- chunk:
			return true
		case <-ctx.Done():
			e.logger.Warn("Context cancelled while sending audio chunk")
			return false
		}
	}

	for {
		buffer := make([]byte, e.chunkSize)
		n, err := io.ReadFull(body, buffer)

		// a short final read still holds whole samples only
		n -= n % e.format.FrameSize()
		if n > 0 {
			totalBytes += n
			chunkCount++
			if !send(repositories.SpeechChunk{Data: buffer[:n]}) {
				return
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			e.logger.Info("Finished streaming audio data",
				zap.Int("totalChunks", chunkCount),
				zap.Int("totalBytes", totalBytes))
			return
		}
		if err != nil {
			e.logger.Error("Error reading response body", zap.Error(err))
			send(repositories.SpeechChunk{Err: fmt.Errorf("failed to read speech stream: %w", err)})
			return
		}
	}
}

// NewElevenLabsConfigFromEnv creates a new ElevenLabsConfig from environment variables
func NewElevenLabsConfigFromEnv() ElevenLabsConfig {
	config := ElevenLabsConfig{
		APIKey:       os.Getenv("ELEVEN_LABS_API_KEY"),
		APIBaseURL:   os.Getenv("ELEVEN_LABS_API_BASE_URL"),
		VoiceID:      os.Getenv("ELEVEN_LABS_VOICE_ID"),
		ModelID:      os.Getenv("ELEVEN_LABS_MODEL_ID"),
		OutputFormat: os.Getenv("ELEVEN_LABS_OUTPUT_FORMAT"),
		LanguageCode: os.Getenv("ELEVEN_LABS_LANGUAGE_CODE"),
	}

	if chunkSizeStr := os.Getenv("ELEVEN_LABS_CHUNK_SIZE"); chunkSizeStr != "" {
		if chunkSize, err := strconv.Atoi(chunkSizeStr); err == nil && chunkSize > 0 {
			config.ChunkSize = chunkSize
		}
	}

	if stabilityStr := os.Getenv("ELEVEN_LABS_STABILITY"); stabilityStr != "" {
		if stability, err := strconv.ParseFloat(stabilityStr, 64); err == nil && stability >= 0 && stability <= 1 {
			config.Stability = stability
		}
	}

	if clarityStr := os.Getenv("ELEVEN_LABS_CLARITY"); clarityStr != "" {
		if clarity, err := strconv.ParseFloat(clarityStr, 64); err == nil && clarity >= 0 && clarity <= 1 {
			config.Clarity = clarity
		}
	}

	return config
}
