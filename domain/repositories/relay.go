package repositories

import (
	"context"

	"github.com/satriahrh/revvoice/domain/entities"
)

// TurnRequest describes one conversation turn sent to the relay.
type TurnRequest struct {
	TurnID       string
	InputFormat  entities.AudioFormat
	OutputFormat entities.AudioFormat
}

// Relay carries audio between the client and the assistant backend.
type Relay interface {
	// OpenStream opens a duplex stream: audio is sent while the response is received.
	OpenStream(ctx context.Context, req TurnRequest) (Uplink, Downlink, error)
	// SendBuffered sends one complete payload and returns the response stream.
	SendBuffered(ctx context.Context, req TurnRequest, payload []byte) (Downlink, error)
}

// Uplink is the sending half of a turn.
type Uplink interface {
	Send(ctx context.Context, data []byte) error
	// CloseSend signals that no more audio follows.
	CloseSend() error
}

// Downlink is the receiving half of a turn. Next returns io.EOF once the
// response completed normally.
type Downlink interface {
	Next(ctx context.Context) (entities.StreamFrame, error)
	Close() error
}

// ConverseRequest is a recorded user utterance plus the prior history.
type ConverseRequest struct {
	Audio    []byte
	MIMEType string
	History  []string
}

// ConverseResult is the assistant's text answer and the extended history.
type ConverseResult struct {
	Transcript string   `json:"transcript"`
	Text       string   `json:"text"`
	History    []string `json:"history"`
}

// Assistant is the turn-based text pipeline: answer a recorded question, then speak the answer.
type Assistant interface {
	Converse(ctx context.Context, req ConverseRequest) (ConverseResult, error)
	Speak(ctx context.Context, text string, format entities.AudioFormat) (Downlink, error)
}
