package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// NewGeminiClient creates the Gemini API client shared by the live and
// conversation adapters
func NewGeminiClient(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*genai.Client, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("Gemini client created")
	return client, nil
}

// generation holds the sampling settings after defaults were applied
type generation struct {
	temperature     float32
	topP            float32
	topK            float32
	maxOutputTokens int
	timeoutSeconds  int
	systemPrompt    string
}

func resolveGeneration(config GeminiConfig, logger *zap.Logger) generation {
	g := generation{
		temperature:     config.Temperature,
		topP:            config.TopP,
		topK:            config.TopK,
		maxOutputTokens: config.MaxOutputTokens,
		timeoutSeconds:  config.TimeoutSeconds,
		systemPrompt:    config.SystemPrompt,
	}

	if g.temperature == 0 {
		g.temperature = float32(defaultTemperature)
		logger.Info("Using default temperature", zap.Float32("temperature", g.temperature))
	}
	if g.topP == 0 {
		g.topP = float32(defaultTopP)
		logger.Info("Using default topP", zap.Float32("topP", g.topP))
	}
	if g.topK == 0 {
		g.topK = float32(defaultTopK)
		logger.Info("Using default topK", zap.Float32("topK", g.topK))
	}
	if g.maxOutputTokens == 0 {
		g.maxOutputTokens = defaultMaxTokens
		logger.Info("Using default maxOutputTokens", zap.Int("maxOutputTokens", g.maxOutputTokens))
	}
	if g.timeoutSeconds == 0 {
		g.timeoutSeconds = defaultTimeoutSeconds
		logger.Info("Using default timeoutSeconds", zap.Int("timeoutSeconds", g.timeoutSeconds))
	}
	if g.systemPrompt == "" {
		g.systemPrompt = GeminiHardcodedConfig.SystemPrompt
		logger.Info("Using hardcoded system prompt")
	}

	return g
}
