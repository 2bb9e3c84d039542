package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

const (
	// DefaultChunkInterval is how often captured audio is cut into a chunk.
	DefaultChunkInterval = 500 * time.Millisecond

	defaultReadSize = 4096
)

// DefaultInputFormats is the capture preference list used when none is configured.
var DefaultInputFormats = []string{"audio/pcm;rate=16000", "audio/pcm;rate=48000"}

// CaptureConfig configures a Capture.
type CaptureConfig struct {
	// Formats lists the acceptable encodings, most preferred first.
	Formats []string
	// Interval is the chunking cadence.
	Interval time.Duration
	// ReadSize is the buffer size of a single device read.
	ReadSize int
}

// Capture opens capture sessions on an input device.
type Capture struct {
	input  repositories.AudioInput
	config CaptureConfig
	logger *zap.Logger
}

// NewCapture creates a capture source.
func NewCapture(input repositories.AudioInput, config CaptureConfig, logger *zap.Logger) *Capture {
	if len(config.Formats) == 0 {
		logger.Info("Using default input formats", zap.Strings("formats", DefaultInputFormats))
		config.Formats = DefaultInputFormats
	}
	if config.Interval <= 0 {
		logger.Info("Using default chunk interval", zap.Duration("interval", DefaultChunkInterval))
		config.Interval = DefaultChunkInterval
	}
	if config.ReadSize <= 0 {
		config.ReadSize = defaultReadSize
	}

	return &Capture{
		input:  input,
		config: config,
		logger: logger,
	}
}

// Negotiate returns the first preferred format the device supports.
func (c *Capture) Negotiate() (entities.AudioFormat, error) {
	for _, pref := range c.config.Formats {
		format, err := entities.ParseAudioFormat(pref)
		if err != nil {
			c.logger.Warn("Skipping invalid input format", zap.String("format", pref), zap.Error(err))
			continue
		}
		if c.input.Supports(format) {
			return format, nil
		}
		c.logger.Debug("Input format not supported", zap.String("format", pref))
	}
	return entities.AudioFormat{}, fmt.Errorf("%w: tried %v", domain.ErrUnsupportedFormat, c.config.Formats)
}

// Start negotiates a format, acquires the device and begins chunking.
func (c *Capture) Start(ctx context.Context) (*CaptureSession, error) {
	format, err := c.Negotiate()
	if err != nil {
		return nil, err
	}

	stream, err := c.input.Open(ctx, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &CaptureSession{
		format:   format,
		stream:   stream,
		interval: c.config.Interval,
		readSize: c.config.ReadSize,
		logger:   c.logger.With(zap.String("format", format.String())),
		ctx:      sctx,
		cancel:   cancel,
		chunks:   make(chan entities.AudioChunk),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.active.Store(true)

	go s.read()
	go s.emit()

	s.logger.Info("Capture started")
	return s, nil
}

// CaptureSession is one open acquisition of the input device. It exclusively
// owns the device stream and releases it on every exit path.
type CaptureSession struct {
	format   entities.AudioFormat
	stream   io.ReadCloser
	interval time.Duration
	readSize int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	chunks   chan entities.AudioChunk
	readDone chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once
	stopping  atomic.Bool
	active    atomic.Bool

	mu  sync.Mutex
	buf []byte
	seq int
	err error
}

// Format returns the negotiated format.
func (s *CaptureSession) Format() entities.AudioFormat {
	return s.format
}

// Chunks returns the chunk sequence. It is closed when the session ends.
func (s *CaptureSession) Chunks() <-chan entities.AudioChunk {
	return s.chunks
}

// Active reports whether the device is still being captured.
func (s *CaptureSession) Active() bool {
	return s.active.Load()
}

// Err reports a device failure that ended the session early.
func (s *CaptureSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once both capture goroutines exited and the device is released.
func (s *CaptureSession) Done() <-chan struct{} {
	return s.done
}

// Stop releases the device, emits the remaining audio as a final chunk and
// closes Chunks. It blocks until the final chunk is consumed or the session
// context is cancelled. No chunk is produced after Stop returns.
func (s *CaptureSession) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.closeStream()
	})
	<-s.done
	return s.Err()
}

// Abort releases the device and discards audio that was not yet delivered.
func (s *CaptureSession) Abort() {
	s.stopping.Store(true)
	s.cancel()
	s.closeStream()
	<-s.done
}

func (s *CaptureSession) closeStream() {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		if err := s.stream.Close(); err != nil {
			s.logger.Warn("Failed to close input stream", zap.Error(err))
		}
	})
}

func (s *CaptureSession) read() {
	defer close(s.readDone)
	defer s.closeStream()

	buf := make([]byte, s.readSize)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, buf[:n]...)
			s.mu.Unlock()
		}
		if err == nil {
			continue
		}

		if !s.stopping.Load() && !errors.Is(err, io.EOF) {
			s.mu.Lock()
			s.err = fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
			s.mu.Unlock()
			s.logger.Error("Capture failed", zap.Error(err))
		}
		return
	}
}

func (s *CaptureSession) emit() {
	defer close(s.done)
	defer close(s.chunks)
	defer s.cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.closeStream()
			<-s.readDone
			return
		case <-s.readDone:
			s.flush(true)
			s.logger.Info("Capture stopped", zap.Int("chunks", s.seq))
			return
		case <-ticker.C:
			s.flush(false)
		}
	}
}

// flush sends the buffered audio as one chunk, cut on a whole sample. The
// final flush discards a trailing partial sample.
func (s *CaptureSession) flush(final bool) {
	frameSize := s.format.FrameSize()

	s.mu.Lock()
	n := len(s.buf) - len(s.buf)%frameSize
	if n == 0 {
		if final {
			s.buf = nil
		}
		s.mu.Unlock()
		return
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	if final {
		s.buf = nil
	} else {
		s.buf = append(s.buf[:0], s.buf[n:]...)
	}
	chunk := entities.AudioChunk{Seq: s.seq, Data: data}
	s.seq++
	s.mu.Unlock()

	select {
	case s.chunks <- chunk:
	case <-s.ctx.Done():
	}
}
