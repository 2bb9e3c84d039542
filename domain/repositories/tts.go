package repositories

import (
	"context"

	"github.com/satriahrh/revvoice/domain/entities"
)

// SpeechChunk is one piece of synthesized audio. A chunk with Err set is the
// last value sent before the channel closes.
type SpeechChunk struct {
	Data []byte
	Err  error
}

// TextToSpeech synthesizes speech as a stream of audio chunks
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan SpeechChunk, error)
	// OutputFormat is the format of the synthesized audio.
	OutputFormat() entities.AudioFormat
}
