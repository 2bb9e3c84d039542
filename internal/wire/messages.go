package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/revvoice/domain/entities"
)

// MessageType defines the type of a websocket control message
type MessageType string

// Client to server
const (
	MessageTypeListeningStart MessageType = "listening_start"
	MessageTypeListeningEnd   MessageType = "listening_end"
	MessageTypeInterrupt      MessageType = "interrupt"
)

// Server to client
const (
	MessageTypeSpeakingStart MessageType = "speaking_start"
	MessageTypeSpeakingEnd   MessageType = "speaking_end"
	MessageTypeTranscription MessageType = "transcription"
	MessageTypeInterrupted   MessageType = "interrupted"
	MessageTypeError         MessageType = "error"
)

// BaseMessage defines the common structure for all control messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// ListeningStartMessage opens a turn. The server echoes it back as an ack
// with SessionID filled in.
type ListeningStartMessage struct {
	BaseMessage
	TurnID       string `json:"turn_id"`
	InputFormat  string `json:"input_format"`
	OutputFormat string `json:"output_format,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// ListeningEndMessage closes the input side of a turn
type ListeningEndMessage struct {
	BaseMessage
	TurnID string `json:"turn_id"`
}

// InterruptMessage asks the server to abandon the current turn
type InterruptMessage struct {
	BaseMessage
}

// SpeakingStartMessage precedes the binary audio of a response
type SpeakingStartMessage struct {
	BaseMessage
	TurnID string `json:"turn_id"`
	Format string `json:"format"`
}

// SpeakingEndMessage marks the normal end of a response
type SpeakingEndMessage struct {
	BaseMessage
	TurnID string `json:"turn_id"`
}

// TranscriptionMessage carries user or assistant transcript text
type TranscriptionMessage struct {
	BaseMessage
	TurnID   string               `json:"turn_id"`
	Role     entities.MessageRole `json:"role"`
	Text     string               `json:"text"`
	Finished bool                 `json:"finished"`
}

// InterruptedMessage tells the client the model stopped its answer because the user spoke
type InterruptedMessage struct {
	BaseMessage
	TurnID string `json:"turn_id"`
}

// ErrorMessage represents an error response. It ends the current turn.
type ErrorMessage struct {
	BaseMessage
	TurnID  string `json:"turn_id,omitempty"`
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *ErrorMessage) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MessageValidator parses and validates client control messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses a client message and checks its required fields
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeListeningStart:
		var msg ListeningStartMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid listening_start message: %w", err)
		}
		if err := v.validateListeningStart(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeListeningEnd:
		var msg ListeningEndMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid listening_end message: %w", err)
		}
		return &msg, nil

	case MessageTypeInterrupt:
		return &InterruptMessage{BaseMessage: base}, nil

	case "":
		return nil, fmt.Errorf("message missing type field")

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func (v *MessageValidator) validateListeningStart(msg *ListeningStartMessage) error {
	if msg.InputFormat == "" {
		return fmt.Errorf("input_format is required")
	}
	format, err := entities.ParseAudioFormat(msg.InputFormat)
	if err != nil {
		return err
	}
	if format.SampleRate < 8000 || format.SampleRate > 48000 {
		return fmt.Errorf("sample rate must be between 8000 and 48000")
	}
	if msg.OutputFormat != "" {
		if _, err := entities.ParseAudioFormat(msg.OutputFormat); err != nil {
			return err
		}
	}
	return nil
}

// DecodeServerMessage parses a server control message
func DecodeServerMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	var msg interface{}
	switch base.Type {
	case MessageTypeListeningStart:
		msg = &ListeningStartMessage{}
	case MessageTypeSpeakingStart:
		msg = &SpeakingStartMessage{}
	case MessageTypeSpeakingEnd:
		msg = &SpeakingEndMessage{}
	case MessageTypeTranscription:
		msg = &TranscriptionMessage{}
	case MessageTypeInterrupted:
		msg = &InterruptedMessage{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}

	if err := json.Unmarshal(messageBytes, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Type, err)
	}
	return msg, nil
}

// Encode marshals a control message
func Encode(msg interface{}) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// Control messages only contain strings and bools.
		panic(err)
	}
	return data
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// NewListeningStart creates a listening_start message
func NewListeningStart(turnID, inputFormat, outputFormat string) *ListeningStartMessage {
	return &ListeningStartMessage{
		BaseMessage:  newBase(MessageTypeListeningStart),
		TurnID:       turnID,
		InputFormat:  inputFormat,
		OutputFormat: outputFormat,
	}
}

// NewListeningEnd creates a listening_end message
func NewListeningEnd(turnID string) *ListeningEndMessage {
	return &ListeningEndMessage{BaseMessage: newBase(MessageTypeListeningEnd), TurnID: turnID}
}

// NewInterrupt creates an interrupt message
func NewInterrupt() *InterruptMessage {
	return &InterruptMessage{BaseMessage: newBase(MessageTypeInterrupt)}
}

// NewSpeakingStart creates a speaking_start message
func NewSpeakingStart(turnID, format string) *SpeakingStartMessage {
	return &SpeakingStartMessage{BaseMessage: newBase(MessageTypeSpeakingStart), TurnID: turnID, Format: format}
}

// NewSpeakingEnd creates a speaking_end message
func NewSpeakingEnd(turnID string) *SpeakingEndMessage {
	return &SpeakingEndMessage{BaseMessage: newBase(MessageTypeSpeakingEnd), TurnID: turnID}
}

// NewTranscription creates a transcription message
func NewTranscription(turnID string, t entities.Transcript) *TranscriptionMessage {
	return &TranscriptionMessage{
		BaseMessage: newBase(MessageTypeTranscription),
		TurnID:      turnID,
		Role:        t.Role,
		Text:        t.Text,
		Finished:    t.Finished,
	}
}

// NewInterrupted creates an interrupted message
func NewInterrupted(turnID string) *InterruptedMessage {
	return &InterruptedMessage{BaseMessage: newBase(MessageTypeInterrupted), TurnID: turnID}
}

// NewErrorMessage creates a standardized error message
func NewErrorMessage(turnID, code, message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		TurnID:      turnID,
		Code:        code,
		Message:     message,
	}
}
