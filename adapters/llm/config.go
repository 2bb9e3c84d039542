package llm

import (
	"fmt"
	"os"
	"strconv"

	"google.golang.org/genai"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultLiveModel      = "gemini-2.0-flash-live-001"
	productionLiveModel   = "gemini-2.5-flash-preview-native-audio-dialog"
	defaultVoice          = "Puck"
	defaultLanguage       = "en-IN"
	defaultTemperature    = 0.7
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 1024
	defaultTimeoutSeconds = 30

	// live models answer with 16-bit PCM at this rate
	liveOutputSampleRate = 24000
)

// GeminiConfig holds the configuration of the Gemini adapters
type GeminiConfig struct {
	APIKey          string
	Model           string // turn-based model
	LiveModel       string // realtime audio model
	Voice           string
	Language        string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
	SystemPrompt    string
}

// GeminiHardcodedConfig holds settings that are not exposed through the environment
var GeminiHardcodedConfig = struct {
	SafetySettings []*genai.SafetySetting
	SystemPrompt   string
	Fallbacks      []string
}{
	SafetySettings: []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	},
	SystemPrompt: `You are Rev, the AI assistant for Revolt Motors. You should:
- Only provide information about Revolt Motors motorcycles, services, and company
- Be concise and informative in your responses
- Maintain a professional yet friendly tone
- If asked about topics unrelated to Revolt Motors, politely redirect the conversation back to Revolt Motors
- Be able to handle customer queries in multiple languages
- Prioritize safety and legal compliance in all recommendations`,
	Fallbacks: []string{
		"Sorry, I didn't catch that. Could you ask about Revolt Motors again?",
		"I'm having trouble answering right now. Please try your question again in a moment.",
		"Let me get back to you on that. Meanwhile, feel free to ask about the RV400 or our service centres.",
	},
}

// NewGeminiConfigFromEnv reads the Gemini configuration from the environment.
// Unset numeric values stay zero so the adapters apply their defaults.
func NewGeminiConfigFromEnv() GeminiConfig {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}

	liveModel := os.Getenv("GEMINI_LIVE_MODEL")
	if liveModel == "" && os.Getenv("APP_ENV") == "production" {
		liveModel = productionLiveModel
	}

	return GeminiConfig{
		APIKey:          apiKey,
		Model:           os.Getenv("GEMINI_MODEL"),
		LiveModel:       liveModel,
		Voice:           os.Getenv("GEMINI_VOICE"),
		Language:        os.Getenv("GEMINI_LANGUAGE"),
		Temperature:     envFloat32("GEMINI_TEMPERATURE"),
		TopP:            envFloat32("GEMINI_TOP_P"),
		TopK:            envFloat32("GEMINI_TOP_K"),
		MaxOutputTokens: envInt("GEMINI_MAX_OUTPUT_TOKENS"),
		TimeoutSeconds:  envInt("GEMINI_TIMEOUT_SECONDS"),
	}
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}

	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("maxOutputTokens must be positive, got %d", config.MaxOutputTokens)
	}

	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

func envFloat32(key string) float32 {
	v, err := strconv.ParseFloat(os.Getenv(key), 32)
	if err != nil {
		return 0
	}
	return float32(v)
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}
