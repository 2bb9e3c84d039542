package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/satriahrh/revvoice/domain/entities"
)

// HTTP streaming headers.
const (
	ContentTypeFrames  = "application/vnd.revvoice.frames"
	HeaderAudioFormat  = "X-Audio-Format"
	HeaderOutputFormat = "X-Output-Format"
	HeaderTurnID       = "X-Turn-ID"
	HeaderSessionID    = "X-Session-ID"
)

// FrameType is the first byte of every frame on a streamed HTTP response.
type FrameType byte

const (
	FrameTypeAudio       FrameType = 1
	FrameTypeTranscript  FrameType = 2
	FrameTypeInterrupted FrameType = 3
	FrameTypeEnd         FrameType = 4
	FrameTypeError       FrameType = 5
)

// MaxFramePayload bounds a single frame.
const MaxFramePayload = 4 << 20

const frameHeaderSize = 5

// ErrUnterminatedStream is returned when the body ends without an end frame.
var ErrUnterminatedStream = errors.New("stream ended without end frame")

// Flusher pushes buffered bytes to the peer.
type Flusher interface {
	Flush() error
}

// FrameWriter encodes frames as kind(1) | length(uint32 BE) | payload.
type FrameWriter struct {
	w       io.Writer
	flusher Flusher
}

// NewFrameWriter creates a frame writer. flusher may be nil.
func NewFrameWriter(w io.Writer, flusher Flusher) *FrameWriter {
	return &FrameWriter{w: w, flusher: flusher}
}

// WriteFrame writes one frame and flushes it.
func (fw *FrameWriter) WriteFrame(kind FrameType, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("frame payload too large: %d bytes", len(payload))
	}

	var header [frameHeaderSize]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := fw.w.Write(payload); err != nil {
			return fmt.Errorf("failed to write frame payload: %w", err)
		}
	}
	if fw.flusher != nil {
		if err := fw.flusher.Flush(); err != nil {
			return fmt.Errorf("failed to flush frame: %w", err)
		}
	}
	return nil
}

// WriteStreamFrame writes an entities.StreamFrame.
func (fw *FrameWriter) WriteStreamFrame(frame entities.StreamFrame) error {
	switch frame.Kind {
	case entities.FrameAudio:
		return fw.WriteFrame(FrameTypeAudio, frame.Data)
	case entities.FrameTranscript:
		payload, err := json.Marshal(frame.Transcript)
		if err != nil {
			return fmt.Errorf("failed to marshal transcript: %w", err)
		}
		return fw.WriteFrame(FrameTypeTranscript, payload)
	case entities.FrameInterrupted:
		return fw.WriteFrame(FrameTypeInterrupted, nil)
	default:
		return fmt.Errorf("unknown frame kind %d", frame.Kind)
	}
}

// WriteEnd marks the normal end of the stream.
func (fw *FrameWriter) WriteEnd() error {
	return fw.WriteFrame(FrameTypeEnd, nil)
}

// WriteError ends the stream abnormally.
func (fw *FrameWriter) WriteError(code, message string) error {
	payload, _ := json.Marshal(map[string]string{"error": message, "error_code": code})
	return fw.WriteFrame(FrameTypeError, payload)
}

// FrameReader decodes frames written by FrameWriter.
type FrameReader struct {
	r     *bufio.Reader
	ended bool
}

// NewFrameReader creates a frame reader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next raw frame. io.EOF is returned only on a frame
// boundary; a truncated frame yields io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() (FrameType, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return 0, nil, err
	}

	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxFramePayload {
		return 0, nil, fmt.Errorf("frame payload too large: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return FrameType(header[0]), payload, nil
}

// Next returns the next stream frame. It returns io.EOF after the end frame,
// an *ErrorMessage after an error frame, and ErrUnterminatedStream when the
// body ends without an end frame.
func (fr *FrameReader) Next() (entities.StreamFrame, error) {
	if fr.ended {
		return entities.StreamFrame{}, io.EOF
	}

	for {
		kind, payload, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return entities.StreamFrame{}, ErrUnterminatedStream
		}
		if err != nil {
			return entities.StreamFrame{}, err
		}

		switch kind {
		case FrameTypeAudio:
			return entities.AudioFrame(payload), nil
		case FrameTypeTranscript:
			var t entities.Transcript
			if err := json.Unmarshal(payload, &t); err != nil {
				return entities.StreamFrame{}, fmt.Errorf("invalid transcript frame: %w", err)
			}
			return entities.StreamFrame{Kind: entities.FrameTranscript, Transcript: t}, nil
		case FrameTypeInterrupted:
			return entities.StreamFrame{Kind: entities.FrameInterrupted}, nil
		case FrameTypeEnd:
			fr.ended = true
			return entities.StreamFrame{}, io.EOF
		case FrameTypeError:
			fr.ended = true
			var body struct {
				Error string `json:"error"`
				Code  string `json:"error_code"`
			}
			_ = json.Unmarshal(payload, &body)
			return entities.StreamFrame{}, &ErrorMessage{Code: body.Code, Message: body.Error}
		default:
			// Unknown frames are skipped so newer servers stay compatible.
			continue
		}
	}
}
