package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/satriahrh/revvoice/domain/entities"
)

type countingFlusher struct{ n int }

func (f *countingFlusher) Flush() error {
	f.n++
	return nil
}

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	flusher := &countingFlusher{}
	w := NewFrameWriter(&buf, flusher)

	frames := []entities.StreamFrame{
		entities.AudioFrame([]byte{1, 2, 3, 4}),
		entities.TranscriptFrame(entities.MessageRoleAssistant, "Hello from Rev", true),
		{Kind: entities.FrameInterrupted},
		entities.AudioFrame([]byte{5, 6}),
	}
	for _, f := range frames {
		if err := w.WriteStreamFrame(f); err != nil {
			t.Fatalf("WriteStreamFrame failed: %v", err)
		}
	}
	if err := w.WriteEnd(); err != nil {
		t.Fatalf("WriteEnd failed: %v", err)
	}
	if flusher.n != len(frames)+1 {
		t.Errorf("expected %d flushes, got %d", len(frames)+1, flusher.n)
	}

	r := NewFrameReader(&buf)
	for i, want := range frames {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("frame %d: unexpected error %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("frame %d: expected kind %s, got %s", i, want.Kind, got.Kind)
		}
		if !bytes.Equal(got.Data, want.Data) {
			t.Errorf("frame %d: expected data %v, got %v", i, want.Data, got.Data)
		}
		if got.Transcript != want.Transcript {
			t.Errorf("frame %d: expected transcript %+v, got %+v", i, want.Transcript, got.Transcript)
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after end frame, got %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF to repeat, got %v", err)
	}
}

func TestFrameReaderErrors(t *testing.T) {
	t.Run("error frame", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewFrameWriter(&buf, nil)
		_ = w.WriteStreamFrame(entities.AudioFrame([]byte{1, 2}))
		_ = w.WriteError("model_error", "upstream closed")

		r := NewFrameReader(&buf)
		if _, err := r.Next(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err := r.Next()
		var remote *ErrorMessage
		if !errors.As(err, &remote) {
			t.Fatalf("expected *ErrorMessage, got %v", err)
		}
		if remote.Message != "upstream closed" || remote.Code != "model_error" {
			t.Errorf("unexpected error content: %+v", remote)
		}
	})

	t.Run("missing end frame", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewFrameWriter(&buf, nil)
		_ = w.WriteStreamFrame(entities.AudioFrame([]byte{1, 2}))

		r := NewFrameReader(&buf)
		if _, err := r.Next(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := r.Next(); !errors.Is(err, ErrUnterminatedStream) {
			t.Errorf("expected ErrUnterminatedStream, got %v", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewFrameWriter(&buf, nil)
		_ = w.WriteStreamFrame(entities.AudioFrame([]byte{1, 2, 3, 4}))
		truncated := buf.Bytes()[:buf.Len()-2]

		r := NewFrameReader(bytes.NewReader(truncated))
		if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
		}
	})

	t.Run("unknown frame skipped", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewFrameWriter(&buf, nil)
		_ = w.WriteFrame(FrameType(42), []byte("future"))
		_ = w.WriteStreamFrame(entities.AudioFrame([]byte{9}))
		_ = w.WriteEnd()

		r := NewFrameReader(&buf)
		frame, err := r.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frame.Kind != entities.FrameAudio || !bytes.Equal(frame.Data, []byte{9}) {
			t.Errorf("expected audio frame [9], got %+v", frame)
		}
	})
}
