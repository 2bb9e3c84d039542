package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

// Mode selects whether capture and playback may overlap.
type Mode string

const (
	// ModeDuplex streams audio while the response plays.
	ModeDuplex Mode = "duplex"
	// ModeTurn records the whole utterance before sending it.
	ModeTurn Mode = "turn"
)

// Pipeline selects how a turn-mode recording is answered.
type Pipeline string

const (
	// PipelineLive sends the recording to the live speech model.
	PipelineLive Pipeline = "live"
	// PipelineConverse asks for a text answer and then synthesizes it.
	PipelineConverse Pipeline = "converse"
)

// Status is the user-facing state of the controller.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusSpeaking   Status = "speaking"
	StatusError      Status = "error"
)

// DefaultOutputFormat is the response format requested when none is configured.
const DefaultOutputFormat = "audio/pcm;rate=24000"

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("controller closed")

// ControllerDeps are the devices and remote endpoints a controller drives.
type ControllerDeps struct {
	Input  repositories.AudioInput
	Output repositories.AudioOutput
	Relay  repositories.Relay
	// Assistant is required by the converse pipeline only.
	Assistant repositories.Assistant
}

// ControllerConfig configures a controller.
type ControllerConfig struct {
	Mode          Mode
	Pipeline      Pipeline
	InputFormats  []string
	OutputFormat  string
	ChunkInterval time.Duration

	// OnTranscript receives user and assistant transcripts. It may be nil.
	OnTranscript func(entities.Transcript)
}

// ValidateControllerConfig validates the configuration and applies defaults
func ValidateControllerConfig(config *ControllerConfig, deps ControllerDeps, logger *zap.Logger) error {
	if deps.Input == nil || deps.Output == nil {
		return errors.New("audio input and output are required")
	}

	if config.Mode == "" {
		logger.Info("Using default mode", zap.String("mode", string(ModeDuplex)))
		config.Mode = ModeDuplex
	}
	if config.Mode != ModeDuplex && config.Mode != ModeTurn {
		return fmt.Errorf("invalid mode %q", config.Mode)
	}

	if config.Pipeline == "" {
		config.Pipeline = PipelineLive
	}
	switch config.Pipeline {
	case PipelineLive:
		if deps.Relay == nil {
			return errors.New("relay is required for the live pipeline")
		}
	case PipelineConverse:
		if config.Mode != ModeTurn {
			return errors.New("converse pipeline requires turn mode")
		}
		if deps.Assistant == nil {
			return errors.New("assistant is required for the converse pipeline")
		}
	default:
		return fmt.Errorf("invalid pipeline %q", config.Pipeline)
	}

	if config.OutputFormat == "" {
		logger.Info("Using default output format", zap.String("format", DefaultOutputFormat))
		config.OutputFormat = DefaultOutputFormat
	}
	if _, err := entities.ParseAudioFormat(config.OutputFormat); err != nil {
		return fmt.Errorf("invalid output format: %w", err)
	}

	return nil
}

// Controller runs conversation turns: it wires capture into the transmitter
// and the receiver into playback, and owns their cancellation. At most one
// turn, and so one capture and one playback, is alive at a time.
type Controller struct {
	deps         ControllerDeps
	config       ControllerConfig
	outputFormat entities.AudioFormat

	capture     *Capture
	transmitter *Transmitter
	receiver    *Receiver
	logger      *zap.Logger

	// opMu serializes user actions so a new turn starts only after the old
	// one was torn down.
	opMu sync.Mutex

	mu      sync.Mutex
	turn    *turn
	history []string
	lastErr error
	closed  bool
}

type turn struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	capture  *CaptureSession
	playback atomic.Pointer[Playback]
	aborted  atomic.Bool
	done     chan struct{}
}

func (t *turn) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// NewController creates a controller.
func NewController(deps ControllerDeps, config ControllerConfig, logger *zap.Logger) (*Controller, error) {
	if err := ValidateControllerConfig(&config, deps, logger); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}

	c := &Controller{
		deps:         deps,
		config:       config,
		outputFormat: entities.MustParseAudioFormat(config.OutputFormat),
		capture: NewCapture(deps.Input, CaptureConfig{
			Formats:  config.InputFormats,
			Interval: config.ChunkInterval,
		}, logger),
		transmitter: NewTransmitter(logger),
		logger:      logger,
	}
	c.receiver = NewReceiver(c.emitTranscript, logger)

	return c, nil
}

// StartRecording begins a new turn. An active turn, including its playback,
// is torn down completely before the device is opened.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	c.abortTurn()

	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()

	tctx, cancel := context.WithCancel(context.Background())
	t := &turn{
		id:     uuid.NewString(),
		ctx:    tctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger := c.logger.With(zap.String("turnID", t.id))

	// The caller's context bounds the setup only.
	stop := context.AfterFunc(ctx, func() {
		t.aborted.Store(true)
		cancel()
	})
	defer stop()

	session, err := c.capture.Start(tctx)
	if err != nil {
		cancel()
		c.fail(err)
		return err
	}
	t.capture = session

	req := repositories.TurnRequest{
		TurnID:       t.id,
		InputFormat:  session.Format(),
		OutputFormat: c.outputFormat,
	}

	if c.config.Mode == ModeDuplex {
		up, down, err := c.deps.Relay.OpenStream(tctx, req)
		if err != nil {
			session.Abort()
			cancel()
			err = fmt.Errorf("%w: failed to open stream: %w", domain.ErrTransmissionFailed, err)
			c.fail(err)
			return err
		}
		t.playback.Store(NewPlayback(c.deps.Output, c.outputFormat, logger))
		go c.runDuplex(t, up, down, logger)
	} else {
		go c.runTurn(t, req, logger)
	}

	c.mu.Lock()
	c.turn = t
	c.mu.Unlock()

	logger.Info("Recording started", zap.String("mode", string(c.config.Mode)))
	return nil
}

// StopRecording ends capture. The recorded audio is flushed to the relay and
// the response keeps playing.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	t := c.currentTurn()
	if t == nil || t.capture == nil || !t.capture.Active() {
		return nil
	}

	if err := t.capture.Stop(); err != nil {
		return err
	}
	c.logger.Info("Recording stopped", zap.String("turnID", t.id))
	return nil
}

// StopPlayback halts the response audio immediately. If the user is no
// longer recording the whole turn is abandoned.
func (c *Controller) StopPlayback() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	t := c.currentTurn()
	if t == nil || t.finished() {
		return
	}

	if t.capture.Active() {
		if p := t.playback.Load(); p != nil {
			p.Stop()
		}
		return
	}
	c.abortTurn()
	c.logger.Info("Playback stopped", zap.String("turnID", t.id))
}

// Wait blocks until the active turn finished.
func (c *Controller) Wait(ctx context.Context) error {
	t := c.currentTurn()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts the active turn and rejects further recordings.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.abortTurn()
	return nil
}

// Status derives the user-facing state from the capture and playback sessions.
func (c *Controller) Status() Status {
	c.mu.Lock()
	t := c.turn
	lastErr := c.lastErr
	c.mu.Unlock()

	if t != nil && !t.finished() {
		if t.capture.Active() {
			return StatusRecording
		}
		if p := t.playback.Load(); p != nil {
			switch p.State() {
			case PlaybackOpening, PlaybackAppending, PlaybackDraining:
				return StatusSpeaking
			}
		}
		return StatusProcessing
	}
	if lastErr != nil {
		return StatusError
	}
	return StatusIdle
}

// Err returns the error that ended the last turn, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// History returns a copy of the conversation history.
func (c *Controller) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]string, len(c.history))
	copy(history, c.history)
	return history
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) currentTurn() *turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// abortTurn stops the active turn and waits for its teardown. c.opMu must be held.
func (c *Controller) abortTurn() {
	t := c.currentTurn()
	if t == nil || t.finished() {
		return
	}

	t.aborted.Store(true)
	if p := t.playback.Load(); p != nil {
		p.Stop()
	}
	t.capture.Abort()
	t.cancel()
	<-t.done

	c.logger.Info("Turn aborted", zap.String("turnID", t.id))
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Error("Turn failed", zap.Error(err))
}

func (c *Controller) emitTranscript(t entities.Transcript) {
	if c.config.OnTranscript != nil {
		c.config.OnTranscript(t)
	}
}

// finishTurn releases whatever the turn still holds and records its outcome.
func (c *Controller) finishTurn(t *turn, err error, logger *zap.Logger) {
	if t.aborted.Load() || err != nil {
		if p := t.playback.Load(); p != nil {
			p.Stop()
		}
		t.capture.Abort()
	}
	if err == nil {
		err = t.capture.Err()
	}
	t.cancel()

	if err != nil && !t.aborted.Load() {
		c.fail(err)
	} else {
		logger.Info("Turn finished")
	}
	close(t.done)
}

func (c *Controller) closeDownlink(down repositories.Downlink, logger *zap.Logger) {
	if err := down.Close(); err != nil {
		logger.Debug("Failed to close response stream", zap.Error(err))
	}
}

// awaitPlayback lets queued audio finish and returns the playback outcome.
func (c *Controller) awaitPlayback(t *turn) error {
	p := t.playback.Load()
	if p == nil {
		return nil
	}
	select {
	case <-p.Done():
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
	return p.Err()
}

func (c *Controller) runDuplex(t *turn, up repositories.Uplink, down repositories.Downlink, logger *zap.Logger) {
	var err error
	defer func() { c.finishTurn(t, err, logger) }()

	playback := t.playback.Load()

	// The answer may end while the user is still talking. Capture keeps
	// streaming until StopRecording, so the connection is closed only after
	// both directions are done.
	g, gctx := errgroup.WithContext(t.ctx)
	g.Go(func() error {
		return c.transmitter.Stream(gctx, up, t.capture.Chunks())
	})
	g.Go(func() error {
		err := c.receiver.Run(gctx, down, playback)
		if err == nil {
			logger.Debug("Response completed")
		}
		return err
	})
	err = g.Wait()
	c.closeDownlink(down, logger)

	if t.aborted.Load() {
		err = nil
		return
	}

	if err != nil {
		// Audio that arrived before the stream broke keeps playing; the
		// error is reported once it has played out.
		if errors.Is(err, domain.ErrStreamInterrupted) {
			t.capture.Abort()
			_ = c.awaitPlayback(t)
		}
		return
	}

	err = c.awaitPlayback(t)
}

func (c *Controller) runTurn(t *turn, req repositories.TurnRequest, logger *zap.Logger) {
	var err error
	defer func() { c.finishTurn(t, err, logger) }()

	payload, err := c.transmitter.Collect(t.ctx, t.capture.Chunks())
	if err != nil {
		if t.aborted.Load() {
			err = nil
		}
		return
	}
	if err = t.capture.Stop(); err != nil {
		return
	}
	if len(payload) == 0 {
		logger.Info("Nothing recorded")
		return
	}

	down, err := c.request(t, req, payload)
	if err != nil {
		if t.aborted.Load() {
			err = nil
		}
		return
	}
	defer c.closeDownlink(down, logger)

	playback := NewPlayback(c.deps.Output, c.outputFormat, logger)
	t.playback.Store(playback)
	if t.aborted.Load() {
		// The turn was aborted before the playback became visible.
		err = nil
		return
	}

	err = c.receiver.Run(t.ctx, down, playback)
	if t.aborted.Load() {
		err = nil
		return
	}
	if err != nil && !errors.Is(err, domain.ErrStreamInterrupted) {
		return
	}

	if perr := c.awaitPlayback(t); err == nil {
		err = perr
	}
}

// request sends a complete recording and returns the response stream.
func (c *Controller) request(t *turn, req repositories.TurnRequest, payload []byte) (repositories.Downlink, error) {
	if c.config.Pipeline == PipelineLive {
		down, err := c.deps.Relay.SendBuffered(t.ctx, req, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransmissionFailed, err)
		}
		return down, nil
	}

	history := c.History()
	result, err := c.deps.Assistant.Converse(t.ctx, repositories.ConverseRequest{
		Audio:    payload,
		MIMEType: req.InputFormat.String(),
		History:  history,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransmissionFailed, err)
	}

	c.appendHistory(history, result)
	if result.Transcript != "" {
		c.emitTranscript(entities.Transcript{Role: entities.MessageRoleUser, Text: result.Transcript, Finished: true})
	}
	c.emitTranscript(entities.Transcript{Role: entities.MessageRoleAssistant, Text: result.Text, Finished: true})

	down, err := c.deps.Assistant.Speak(t.ctx, result.Text, c.outputFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransmissionFailed, err)
	}
	return down, nil
}

// appendHistory appends the entries the remote side added after sent. Entries
// already held are never rewritten.
func (c *Controller) appendHistory(sent []string, result repositories.ConverseResult) {
	var added []string
	if len(result.History) > len(sent) {
		added = result.History[len(sent):]
	} else {
		added = []string{
			entities.FormatHistoryEntry(entities.MessageRoleUser, result.Transcript),
			entities.FormatHistoryEntry(entities.MessageRoleAssistant, result.Text),
		}
	}

	c.mu.Lock()
	c.history = append(c.history, added...)
	c.mu.Unlock()
}
