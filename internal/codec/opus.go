//go:build opus
// +build opus

package codec

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/internal/pcm"
)

// Available reports whether the binary was built with libopus.
func Available() bool { return true }

// Encoder packs PCM into fixed duration opus packets. Input that does not
// fill a packet is held until the next call.
type Encoder struct {
	enc       *opus.Encoder
	frameSize int // samples per packet across all channels
	pending   []int16
	packet    []byte
}

// NewEncoder creates an encoder for PCM in the given format.
func NewEncoder(format entities.AudioFormat) (*Encoder, error) {
	if format.Encoding != entities.EncodingPCM || !validRate(format.SampleRate) {
		return nil, fmt.Errorf("%w: cannot encode %s as opus", domain.ErrUnsupportedFormat, format)
	}
	channels := max(format.Channels, 1)

	enc, err := opus.NewEncoder(format.SampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	return &Encoder{
		enc:       enc,
		frameSize: format.SampleRate * channels * int(FrameDuration.Milliseconds()) / 1000,
		packet:    make([]byte, 4000),
	}, nil
}

// Encode appends PCM and returns every complete packet.
func (e *Encoder) Encode(data []byte) ([][]byte, error) {
	e.pending = append(e.pending, pcm.Int16s(data)...)

	var packets [][]byte
	for len(e.pending) >= e.frameSize {
		packet, err := e.encodeFrame(e.pending[:e.frameSize])
		if err != nil {
			return packets, err
		}
		packets = append(packets, packet)
		e.pending = e.pending[e.frameSize:]
	}
	return packets, nil
}

// Flush pads the held samples with silence and encodes them.
func (e *Encoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make([]int16, e.frameSize)
	copy(frame, e.pending)
	e.pending = e.pending[:0]
	return e.encodeFrame(frame)
}

func (e *Encoder) encodeFrame(frame []int16) ([]byte, error) {
	n, err := e.enc.Encode(frame, e.packet)
	if err != nil {
		return nil, fmt.Errorf("failed to encode opus frame: %w", err)
	}
	return append([]byte(nil), e.packet[:n]...), nil
}

// Decoder turns opus packets back into PCM.
type Decoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

// NewDecoder creates a decoder producing PCM at the format's rate.
func NewDecoder(format entities.AudioFormat) (*Decoder, error) {
	if !validRate(format.SampleRate) {
		return nil, fmt.Errorf("%w: opus cannot decode at %d Hz", domain.ErrUnsupportedFormat, format.SampleRate)
	}
	channels := max(format.Channels, 1)

	dec, err := opus.NewDecoder(format.SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &Decoder{
		dec:      dec,
		channels: channels,
		buf:      make([]int16, maxFrameSamples*channels),
	}, nil
}

// Decode decodes one packet. Corrupt packets are reported as ErrDecodeRejected.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecodeRejected, err)
	}
	return pcm.Bytes(d.buf[:n*d.channels]), nil
}
