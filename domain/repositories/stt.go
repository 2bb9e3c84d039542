package repositories

import (
	"context"
	"fmt"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
)

// SpeechToText abstracts speech recognition services
type SpeechToText interface {
	// TranscribeAudio converts audio data to text
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (string, error)
	// InitTranscribeStreaming initializes a streaming transcription session
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

type SpeechToTextStreaming interface {
	Stream(data []byte) error
	End() (string, error)
}

// AudioConfigFor maps an audio format to the recognizer configuration
func AudioConfigFor(format entities.AudioFormat, language string) (AudioConfig, error) {
	config := AudioConfig{SampleRate: format.SampleRate, Language: language}
	switch format.Encoding {
	case entities.EncodingPCM:
		config.Encoding = "LINEAR16"
	case entities.EncodingWebM:
		config.Encoding = "WEBM_OPUS"
	case entities.EncodingOgg:
		config.Encoding = "OGG_OPUS"
	default:
		return config, fmt.Errorf("%w: cannot transcribe %s", domain.ErrUnsupportedFormat, format)
	}
	return config, nil
}
