package tts

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

// mockWordDuration is the length of silence produced per word, in tenths of a second.
const mockWordDuration = 3

// MockTextToSpeech is a placeholder synthesizer that speaks silence
type MockTextToSpeech struct {
	format entities.AudioFormat
	logger *zap.Logger
}

// NewMockTextToSpeech creates a mock synthesizer producing PCM 24 kHz mono
func NewMockTextToSpeech(logger *zap.Logger) *MockTextToSpeech {
	return &MockTextToSpeech{
		format: entities.AudioFormat{Encoding: entities.EncodingPCM, SampleRate: 24000, Channels: 1},
		logger: logger,
	}
}

// ConvertTextToSpeech streams 100ms chunks of silence, three per word
func (m *MockTextToSpeech) ConvertTextToSpeech(ctx context.Context, text string) (<-chan repositories.SpeechChunk, error) {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil, fmt.Errorf("text cannot be empty")
	}

	chunks := words * mockWordDuration
	m.logger.Info("Synthesizing mock speech", zap.Int("words", words), zap.Int("chunks", chunks))

	out := make(chan repositories.SpeechChunk)
	go func() {
		defer close(out)
		for i := 0; i < chunks; i++ {
			select {
			case out <- repositories.SpeechChunk{Data: make([]byte, m.format.BytesPerSecond()/10)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// OutputFormat implements repositories.TextToSpeech
func (m *MockTextToSpeech) OutputFormat() entities.AudioFormat {
	return m.format
}
