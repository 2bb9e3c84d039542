package usecase

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/metrics"
)

var (
	pcm16k = entities.MustParseAudioFormat("audio/pcm;rate=16000")
	pcm24k = entities.MustParseAudioFormat("audio/pcm;rate=24000")
)

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// fakeTurnIO replays uplink chunks and records everything written downstream.
type fakeTurnIO struct {
	mu       sync.Mutex
	uplink   [][]byte
	hold     bool // block after the last chunk instead of returning io.EOF
	begun    bool
	format   entities.AudioFormat
	session  *entities.Session
	frames   []entities.StreamFrame
	writeErr error
}

func (f *fakeTurnIO) ReadAudio(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if len(f.uplink) > 0 {
		data := f.uplink[0]
		f.uplink = f.uplink[1:]
		f.mu.Unlock()
		return data, nil
	}
	hold := f.hold
	f.mu.Unlock()

	if hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, io.EOF
}

func (f *fakeTurnIO) Begin(session *entities.Session, format entities.AudioFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = true
	f.session = session
	f.format = format
	return nil
}

func (f *fakeTurnIO) WriteFrame(frame entities.StreamFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTurnIO) written() []entities.StreamFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entities.StreamFrame(nil), f.frames...)
}

// scriptedModel answers with a fixed frame list without waiting for input.
type scriptedModel struct {
	frames  []entities.StreamFrame
	recvErr error

	mu      sync.Mutex
	opts    repositories.LiveOptions
	session *scriptedSession
}

func (m *scriptedModel) Connect(ctx context.Context, opts repositories.LiveOptions) (repositories.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts
	m.session = &scriptedSession{frames: append([]entities.StreamFrame(nil), m.frames...), recvErr: m.recvErr}
	return m.session, nil
}

type scriptedSession struct {
	mu      sync.Mutex
	frames  []entities.StreamFrame
	recvErr error
	sent    [][]byte
	ended   bool
	closed  bool
}

func (s *scriptedSession) SendAudio(ctx context.Context, data []byte, format entities.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *scriptedSession) EndAudio(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	return nil
}

func (s *scriptedSession) Recv(ctx context.Context) (entities.StreamFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		if s.recvErr != nil {
			return entities.StreamFrame{}, s.recvErr
		}
		return entities.StreamFrame{}, io.EOF
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame, nil
}

func (s *scriptedSession) OutputFormat() entities.AudioFormat { return pcm24k }

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeTTS streams fixed chunks, optionally ending with an error.
type fakeTTS struct {
	chunks    [][]byte
	streamErr error
	format    entities.AudioFormat
}

func (f *fakeTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan repositories.SpeechChunk, error) {
	if text == "fail" {
		return nil, errors.New("quota exceeded")
	}
	ch := make(chan repositories.SpeechChunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- repositories.SpeechChunk{Data: c}
	}
	if f.streamErr != nil {
		ch <- repositories.SpeechChunk{Err: f.streamErr}
	}
	close(ch)
	return ch, nil
}

func (f *fakeTTS) OutputFormat() entities.AudioFormat { return f.format }

// recordingSink collects a spoken answer.
type recordingSink struct {
	format entities.AudioFormat
	audio  [][]byte
}

func (r *recordingSink) Begin(format entities.AudioFormat) error {
	r.format = format
	return nil
}

func (r *recordingSink) WriteFrame(frame entities.StreamFrame) error {
	r.audio = append(r.audio, frame.Data)
	return nil
}
