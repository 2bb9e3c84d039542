package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/codec"
)

var errRendererClosed = errors.New("renderer closed")

// player is the part of oto.Player the renderers use
type player interface {
	Play()
	IsPlaying() bool
	Close() error
}

const drainPollInterval = 10 * time.Millisecond

var _ repositories.Renderer = (*pcmRenderer)(nil)

// pcmRenderer plays PCM through one player that pulls from a feed.
type pcmRenderer struct {
	format    entities.AudioFormat
	feed      *feed
	newPlayer func(io.Reader) player

	mu     sync.Mutex
	player player

	closed    chan struct{}
	closeOnce sync.Once
}

func newPCMRenderer(format entities.AudioFormat, bufferSize int, newPlayer func(io.Reader) player) *pcmRenderer {
	return &pcmRenderer{
		format:    format,
		feed:      newFeed(bufferSize),
		newPlayer: newPlayer,
		closed:    make(chan struct{}),
	}
}

// Append queues PCM for playback. Data that is not a whole number of
// samples cannot be played and is rejected.
func (r *pcmRenderer) Append(ctx context.Context, data []byte) error {
	if len(data)%r.format.FrameSize() != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of samples", domain.ErrDecodeRejected, len(data))
	}
	return r.write(ctx, data)
}

func (r *pcmRenderer) write(ctx context.Context, data []byte) error {
	select {
	case <-r.closed:
		return errRendererClosed
	default:
	}

	cancel := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { close(cancel) })
	defer stop()

	if !r.feed.Write(data, cancel) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errRendererClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.player == nil {
		r.player = r.newPlayer(r.feed)
		r.player.Play()
	}
	return nil
}

// Drain waits until everything appended was played.
func (r *pcmRenderer) Drain(ctx context.Context) error {
	r.feed.CloseWrite()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		p := r.player
		r.mu.Unlock()

		if p == nil || (r.feed.Buffered() == 0 && !p.IsPlaying()) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closed:
			return errRendererClosed
		case <-ticker.C:
		}
	}
}

// Close halts playback immediately and discards queued audio.
func (r *pcmRenderer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.feed.Close()

		r.mu.Lock()
		p := r.player
		r.mu.Unlock()
		if p != nil {
			err = p.Close()
		}
	})
	return err
}

var _ repositories.Renderer = (*opusRenderer)(nil)

// opusRenderer decodes each opus packet before handing it to a PCM renderer.
type opusRenderer struct {
	*pcmRenderer
	decoder *codec.Decoder
}

func newOpusRenderer(format entities.AudioFormat, bufferSize int, newPlayer func(io.Reader) player) (*opusRenderer, error) {
	decoder, err := codec.NewDecoder(format)
	if err != nil {
		return nil, err
	}

	pcmFormat := entities.AudioFormat{Encoding: entities.EncodingPCM, SampleRate: format.SampleRate, Channels: format.Channels}
	return &opusRenderer{
		pcmRenderer: newPCMRenderer(pcmFormat, bufferSize, newPlayer),
		decoder:     decoder,
	}, nil
}

func (r *opusRenderer) Append(ctx context.Context, packet []byte) error {
	data, err := r.decoder.Decode(packet)
	if err != nil {
		return err
	}
	return r.write(ctx, data)
}
