package repositories

import (
	"context"

	"github.com/satriahrh/revvoice/domain/entities"
)

// LiveOptions configures one live model session.
type LiveOptions struct {
	SystemInstruction string
	// History seeds the session with earlier turns of the conversation.
	History []string
}

// LiveModel abstracts a realtime speech-to-speech model
type LiveModel interface {
	Connect(ctx context.Context, opts LiveOptions) (LiveSession, error)
}

// LiveSession is one open realtime conversation turn with the model
type LiveSession interface {
	// SendAudio forwards one chunk of user audio.
	SendAudio(ctx context.Context, data []byte, format entities.AudioFormat) error
	// EndAudio tells the model the user finished speaking.
	EndAudio(ctx context.Context) error
	// Recv returns the next output frame. Audio frames carry OutputFormat PCM.
	// io.EOF marks the end of the model's turn.
	Recv(ctx context.Context) (entities.StreamFrame, error)
	// OutputFormat is the format of audio frames returned by Recv.
	OutputFormat() entities.AudioFormat
	Close() error
}

// ConversationModel answers a recorded question given the conversation so far
type ConversationModel interface {
	Converse(ctx context.Context, audio []byte, mimeType string, history []string) (ConverseResult, error)
}
