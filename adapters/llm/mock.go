package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

const mockReply = "Hi, I'm Rev from Revolt Motors. How can I help you today?"

// MockLiveModel is a placeholder live model that answers every turn with
// silence once the user stopped speaking
type MockLiveModel struct {
	// AudioFrames is the number of 100ms silent frames per answer
	AudioFrames int
}

// NewMockLiveModel creates a new mock live model
func NewMockLiveModel() *MockLiveModel {
	return &MockLiveModel{AudioFrames: 3}
}

// Connect implements repositories.LiveModel
func (m *MockLiveModel) Connect(ctx context.Context, opts repositories.LiveOptions) (repositories.LiveSession, error) {
	return &mockLiveSession{
		frames: m.AudioFrames,
		format: entities.AudioFormat{Encoding: entities.EncodingPCM, SampleRate: liveOutputSampleRate, Channels: 1},
		ended:  make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

type mockLiveSession struct {
	frames int
	format entities.AudioFormat

	mu        sync.Mutex
	received  int
	ended     chan struct{}
	endOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	pending []entities.StreamFrame
	started bool
}

func (s *mockLiveSession) SendAudio(ctx context.Context, data []byte, format entities.AudioFormat) error {
	select {
	case <-s.ended:
		return errors.New("audio stream already ended")
	case <-s.closed:
		return errors.New("session closed")
	default:
	}

	s.mu.Lock()
	s.received += len(data)
	s.mu.Unlock()
	return nil
}

func (s *mockLiveSession) EndAudio(ctx context.Context) error {
	s.endOnce.Do(func() { close(s.ended) })
	return nil
}

func (s *mockLiveSession) Recv(ctx context.Context) (entities.StreamFrame, error) {
	if !s.started {
		select {
		case <-ctx.Done():
			return entities.StreamFrame{}, ctx.Err()
		case <-s.closed:
			return entities.StreamFrame{}, errors.New("session closed")
		case <-s.ended:
		}
		s.started = true

		s.mu.Lock()
		received := s.received
		s.mu.Unlock()

		s.pending = append(s.pending, entities.TranscriptFrame(entities.MessageRoleUser,
			fmt.Sprintf("(%d bytes of audio)", received), true))
		frameSize := s.format.BytesPerSecond() / 10
		for i := 0; i < s.frames; i++ {
			s.pending = append(s.pending, entities.AudioFrame(make([]byte, frameSize)))
		}
		s.pending = append(s.pending, entities.TranscriptFrame(entities.MessageRoleAssistant, mockReply, true))
	}

	if len(s.pending) == 0 {
		return entities.StreamFrame{}, io.EOF
	}
	frame := s.pending[0]
	s.pending = s.pending[1:]
	return frame, nil
}

func (s *mockLiveSession) OutputFormat() entities.AudioFormat {
	return s.format
}

func (s *mockLiveSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// MockConversation is a placeholder ConversationModel
type MockConversation struct{}

// NewMockConversation creates a new mock conversation model
func NewMockConversation() *MockConversation {
	return &MockConversation{}
}

// Converse implements repositories.ConversationModel
func (m *MockConversation) Converse(ctx context.Context, audio []byte, mimeType string, history []string) (repositories.ConverseResult, error) {
	if len(audio) == 0 {
		return repositories.ConverseResult{}, fmt.Errorf("audio is required")
	}

	transcript := fmt.Sprintf("(%d bytes of %s)", len(audio), mimeType)
	response := mockReply
	if len(history) > 0 {
		response = fmt.Sprintf("Thanks for following up! We have talked %d times so far. What else would you like to know about Revolt Motors?", len(history)/2)
	}

	return buildResult(history, transcript, response), nil
}
