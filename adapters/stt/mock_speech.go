package stt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/repositories"
)

// MockSpeechToText is a placeholder implementation for speech recognition
type MockSpeechToText struct {
	logger *zap.Logger
}

// MockSpeechToTextStream is a mock implementation of streaming speech recognition
type MockSpeechToTextStream struct {
	logger   *zap.Logger
	received int
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{
		logger: logger,
	}
}

// InitTranscribeStreaming creates a new mock streaming session
func (s *MockSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	s.logger.Info("Initializing mock streaming transcription",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	return &MockSpeechToTextStream{logger: s.logger}, nil
}

// Stream counts the audio received
func (m *MockSpeechToTextStream) Stream(data []byte) error {
	m.received += len(data)
	return nil
}

// End returns the mock transcription result
func (m *MockSpeechToTextStream) End() (string, error) {
	if m.received == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	transcription := mockTranscription(m.received)
	m.logger.Info("Ending mock transcription stream", zap.String("result", transcription))
	return transcription, nil
}

// TranscribeAudio implements repositories.SpeechToText
func (s *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	s.logger.Info("Processing speech-to-text",
		zap.Int("audioSize", len(audioData)),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding))

	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}
	return mockTranscription(len(audioData)), nil
}

// mockTranscription picks a canned question by audio size
func mockTranscription(size int) string {
	switch {
	case size > 10000:
		return "What is the range of the RV400 on a single charge?"
	case size > 5000:
		return "Where is the nearest Revolt service centre?"
	case size > 1000:
		return "Hello Rev!"
	default:
		return "Hi"
	}
}
