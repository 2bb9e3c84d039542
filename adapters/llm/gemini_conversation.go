package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/pcm"
)

var _ repositories.ConversationModel = (*GeminiConversation)(nil)

const (
	maxAttempts = 3

	converseInstruction = "Transcribe the user's question in this recording, then answer it."
)

// converseSchema asks the model for the transcript next to the answer
var converseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"transcript": {Type: genai.TypeString, Description: "What the user said, verbatim."},
		"response":   {Type: genai.TypeString, Description: "The assistant's answer."},
	},
	Required: []string{"transcript", "response"},
}

// GeminiConversation implements ConversationModel with GenerateContent over recorded audio
type GeminiConversation struct {
	client *genai.Client
	logger *zap.Logger
	model  string
	gen    generation

	// sleep between retries, replaced in tests
	backoff func(attempt int) time.Duration
}

// NewGeminiConversation creates a turn-based conversation adapter
func NewGeminiConversation(client *genai.Client, config GeminiConfig, logger *zap.Logger) *GeminiConversation {
	model := config.Model
	if model == "" {
		model = defaultModel
		logger.Info("Using default model", zap.String("model", model))
	}

	return &GeminiConversation{
		client:  client,
		logger:  logger,
		model:   model,
		gen:     resolveGeneration(config, logger),
		backoff: func(attempt int) time.Duration { return time.Duration(attempt+1) * time.Second },
	}
}

type converseAnswer struct {
	Transcript string `json:"transcript"`
	Response   string `json:"response"`
}

// Converse answers one recorded question. Model failures produce a fallback
// answer instead of an error; only invalid input is reported.
func (g *GeminiConversation) Converse(ctx context.Context, audio []byte, mimeType string, history []string) (repositories.ConverseResult, error) {
	audioPart, err := audioPart(audio, mimeType)
	if err != nil {
		return repositories.ConverseResult{}, err
	}

	contents := convertHistoryToGeminiFormat(history)
	contents = append(contents, genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(converseInstruction),
		audioPart,
	}, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.gen.systemPrompt, genai.RoleUser),
		SafetySettings:    GeminiHardcodedConfig.SafetySettings,
		Temperature:       genai.Ptr(g.gen.temperature),
		TopP:              genai.Ptr(g.gen.topP),
		TopK:              genai.Ptr(g.gen.topK),
		MaxOutputTokens:   int32(g.gen.maxOutputTokens),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    converseSchema,
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.gen.timeoutSeconds)*time.Second)
	defer cancel()

	var response *genai.GenerateContentResponse
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err == nil {
			break
		}

		g.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
			case <-time.After(g.backoff(attempt)):
			}
		}
	}

	if err != nil {
		g.logger.Error("Failed to answer question", zap.Error(err))
		return fallbackResult(history, ""), nil
	}

	answer := parseAnswer(response.Text())
	if answer.Response == "" {
		g.logger.Warn("Empty answer from model")
		return fallbackResult(history, answer.Transcript), nil
	}

	g.logger.Info("Question answered",
		zap.String("transcript_preview", preview(answer.Transcript)),
		zap.String("response_preview", preview(answer.Response)),
		zap.Int("history_length", len(history)))

	return buildResult(history, answer.Transcript, answer.Response), nil
}

// audioPart attaches the recording inline. Raw PCM is wrapped in WAV because
// the API only accepts containerized audio.
func audioPart(audio []byte, mimeType string) (*genai.Part, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("audio is required")
	}

	format, err := entities.ParseAudioFormat(mimeType)
	if err != nil {
		return nil, err
	}

	switch format.Encoding {
	case entities.EncodingPCM:
		wav, err := pcm.EncodeWAV(audio, format.SampleRate, format.Channels)
		if err != nil {
			return nil, err
		}
		return genai.NewPartFromBytes(wav, "audio/wav"), nil
	case entities.EncodingWebM:
		return genai.NewPartFromBytes(audio, "audio/webm"), nil
	case entities.EncodingOgg:
		return genai.NewPartFromBytes(audio, "audio/ogg"), nil
	default:
		return genai.NewPartFromBytes(audio, "audio/"+format.Encoding), nil
	}
}

func parseAnswer(text string) converseAnswer {
	var answer converseAnswer
	if err := json.Unmarshal([]byte(text), &answer); err != nil {
		// structured output was ignored, treat the whole text as the answer
		return converseAnswer{Response: strings.TrimSpace(text)}
	}
	answer.Transcript = strings.TrimSpace(answer.Transcript)
	answer.Response = strings.TrimSpace(answer.Response)
	return answer
}

func buildResult(history []string, transcript, text string) repositories.ConverseResult {
	extended := make([]string, 0, len(history)+2)
	extended = append(extended, history...)
	extended = append(extended,
		entities.FormatHistoryEntry(entities.MessageRoleUser, transcript),
		entities.FormatHistoryEntry(entities.MessageRoleAssistant, text),
	)
	return repositories.ConverseResult{
		Transcript: transcript,
		Text:       text,
		History:    extended,
	}
}

func fallbackResult(history []string, transcript string) repositories.ConverseResult {
	fallbacks := GeminiHardcodedConfig.Fallbacks
	index := int(time.Now().UnixNano()) % len(fallbacks)
	if index < 0 {
		index = -index
	}
	return buildResult(history, transcript, fallbacks[index])
}

// convertHistoryToGeminiFormat converts "role: text" history lines to Gemini contents
func convertHistoryToGeminiFormat(history []string) []*genai.Content {
	var contents []*genai.Content

	for _, entry := range history {
		role, text := entities.ParseHistoryEntry(entry)
		if text == "" {
			continue
		}

		geminiRole := genai.RoleUser
		if role == entities.MessageRoleAssistant {
			geminiRole = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(text, genai.Role(geminiRole)))
	}

	return contents
}

func preview(s string) string {
	return s[:min(50, len(s))]
}
