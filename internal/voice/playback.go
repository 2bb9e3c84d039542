package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

// PlaybackState is the state of a Playback.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackOpening
	PlaybackAppending
	PlaybackDraining
	PlaybackStopped
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackOpening:
		return "opening"
	case PlaybackAppending:
		return "appending"
	case PlaybackDraining:
		return "draining"
	case PlaybackStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PlaybackStats counts what happened to the chunks of a Playback.
type PlaybackStats struct {
	Enqueued    int
	Appended    int
	Rejected    int
	Dropped     int
	MaxInFlight int
}

// Playback queues response audio and feeds it to a renderer one append at a
// time. A single loop goroutine owns the renderer; it wakes when a chunk is
// enqueued or when the previous append returns.
type Playback struct {
	output repositories.AudioOutput
	format entities.AudioFormat
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	state       PlaybackState
	queue       []entities.AudioChunk
	inputClosed bool
	stopped     bool
	finished    bool
	epoch       uint64
	renderer    repositories.Renderer
	opCtx       context.Context
	opCancel    context.CancelFunc
	inFlight    int
	stats       PlaybackStats
	err         error
}

// NewPlayback creates a playback session for audio in the given format and
// starts its append loop. The renderer is opened when the first chunk arrives.
func NewPlayback(output repositories.AudioOutput, format entities.AudioFormat, logger *zap.Logger) *Playback {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Playback{
		output: output,
		format: format,
		logger: logger.With(zap.String("format", format.String())),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  PlaybackIdle,
	}
	p.opCtx, p.opCancel = context.WithCancel(ctx)

	go p.loop()
	return p
}

// Enqueue appends a chunk to the queue. It must be called by a single producer.
func (p *Playback) Enqueue(chunk entities.AudioChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.finished {
		return domain.ErrPlaybackStopped
	}
	if p.inputClosed {
		return errors.New("playback input already closed")
	}

	p.queue = append(p.queue, chunk)
	p.stats.Enqueued++
	p.signal()
	return nil
}

// CloseInput marks the end of the response. Queued audio still plays.
func (p *Playback) CloseInput() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inputClosed = true
	p.signal()
}

// Interrupt discards queued audio and releases the renderer. The session
// stays open and reopens a renderer for the next chunk.
func (p *Playback) Interrupt() {
	p.mu.Lock()
	if p.stopped || p.finished {
		p.mu.Unlock()
		return
	}
	r := p.reset()
	p.state = PlaybackIdle
	p.signal()
	p.mu.Unlock()

	p.logger.Debug("Playback interrupted")
	if r != nil {
		p.closeRenderer(r)
	}
}

// Stop halts output, discards the queue, releases the renderer and waits for
// the append loop to exit. It is idempotent.
func (p *Playback) Stop() {
	p.mu.Lock()
	var r repositories.Renderer
	if !p.stopped {
		p.stopped = true
		r = p.reset()
		p.state = PlaybackStopped
	}
	p.mu.Unlock()

	p.cancel()
	if r != nil {
		p.closeRenderer(r)
	}
	<-p.done
}

// Done is closed when the session ended: drained, stopped or failed.
func (p *Playback) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended the session. A session in which every
// chunk was rejected by the decoder reports domain.ErrDecodeRejected.
func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// State returns the current state.
func (p *Playback) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the chunk counters.
func (p *Playback) Stats() PlaybackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Queued returns the number of chunks waiting to be appended.
func (p *Playback) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// reset invalidates in-flight operations and empties the queue. It returns the
// renderer the caller now owns and must close. p.mu must be held.
func (p *Playback) reset() repositories.Renderer {
	p.epoch++
	p.stats.Dropped += len(p.queue)
	p.queue = nil
	p.opCancel()
	p.opCtx, p.opCancel = context.WithCancel(p.ctx)

	r := p.renderer
	p.renderer = nil
	return r
}

// signal wakes the loop. p.mu must be held.
func (p *Playback) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Playback) closeRenderer(r repositories.Renderer) {
	if err := r.Close(); err != nil {
		p.logger.Warn("Failed to close renderer", zap.Error(err))
	}
}

func (p *Playback) loop() {
	defer close(p.done)
	defer func() {
		p.mu.Lock()
		r := p.renderer
		p.renderer = nil
		p.mu.Unlock()
		if r != nil {
			p.closeRenderer(r)
		}
		p.opCancel()
	}()

	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}

		epoch := p.epoch
		opCtx := p.opCtx

		switch {
		case len(p.queue) > 0 && p.renderer == nil:
			p.state = PlaybackOpening
			p.mu.Unlock()

			r, err := p.output.Open(opCtx, p.format)

			p.mu.Lock()
			if p.epoch != epoch {
				p.mu.Unlock()
				if r != nil {
					p.closeRenderer(r)
				}
				continue
			}
			if err != nil {
				p.fail(fmt.Errorf("%w: failed to open renderer: %w", domain.ErrDeviceUnavailable, err))
				p.mu.Unlock()
				return
			}
			p.renderer = r
			p.state = PlaybackAppending
			p.mu.Unlock()
			p.logger.Debug("Renderer opened")

		case len(p.queue) > 0:
			chunk := p.queue[0]
			p.queue[0] = entities.AudioChunk{}
			p.queue = p.queue[1:]
			r := p.renderer
			p.state = PlaybackAppending
			p.inFlight++
			if p.inFlight > p.stats.MaxInFlight {
				p.stats.MaxInFlight = p.inFlight
			}
			p.mu.Unlock()

			err := r.Append(opCtx, chunk.Data)

			p.mu.Lock()
			p.inFlight--
			if p.epoch != epoch {
				p.mu.Unlock()
				continue
			}
			switch {
			case err == nil:
				p.stats.Appended++
				p.mu.Unlock()
			case errors.Is(err, domain.ErrDecodeRejected):
				p.stats.Rejected++
				p.mu.Unlock()
				p.logger.Warn("Dropping undecodable chunk", zap.Int("seq", chunk.Seq), zap.Error(err))
			default:
				p.fail(fmt.Errorf("failed to append chunk %d: %w", chunk.Seq, err))
				p.mu.Unlock()
				return
			}

		case p.inputClosed && p.renderer != nil:
			r := p.renderer
			p.state = PlaybackDraining
			p.mu.Unlock()

			err := r.Drain(opCtx)

			p.mu.Lock()
			if p.epoch != epoch {
				p.mu.Unlock()
				continue
			}
			if err != nil {
				p.fail(fmt.Errorf("failed to drain renderer: %w", err))
				p.mu.Unlock()
				return
			}
			p.finish()
			p.mu.Unlock()
			return

		case p.inputClosed:
			p.finish()
			p.mu.Unlock()
			return

		default:
			p.mu.Unlock()
			select {
			case <-p.wake:
			case <-p.ctx.Done():
			}
		}
	}
}

// finish ends a session whose input closed and whose audio played out. p.mu must be held.
func (p *Playback) finish() {
	p.finished = true
	p.state = PlaybackIdle
	if p.stats.Rejected > 0 && p.stats.Appended == 0 {
		p.err = domain.ErrDecodeRejected
	}
	p.logger.Debug("Playback finished",
		zap.Int("appended", p.stats.Appended),
		zap.Int("rejected", p.stats.Rejected),
		zap.Int("dropped", p.stats.Dropped))
}

// fail ends the session with a renderer error. p.mu must be held.
func (p *Playback) fail(err error) {
	p.err = err
	p.finished = true
	p.state = PlaybackStopped
	p.stats.Dropped += len(p.queue)
	p.queue = nil
	p.logger.Error("Playback failed", zap.Error(err))
}
