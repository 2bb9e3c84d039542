package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

var _ repositories.AudioInput = (*Microphone)(nil)

var errDeviceStopped = errors.New("capture device stopped")

// Microphone captures 16-bit PCM from the default input device
type Microphone struct {
	ctx    *malgo.AllocatedContext
	logger *zap.Logger
}

// NewMicrophone initializes the capture backend
func NewMicrophone(logger *zap.Logger) (*Microphone, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init audio context: %v", domain.ErrDeviceUnavailable, err)
	}
	return &Microphone{ctx: ctx, logger: logger}, nil
}

// Supports reports whether the device can capture the format natively
func (m *Microphone) Supports(format entities.AudioFormat) bool {
	return format.Encoding == entities.EncodingPCM &&
		format.SampleRate >= 8000 && format.SampleRate <= 48000 &&
		format.Channels >= 1 && format.Channels <= 2
}

// Open starts capturing. The returned stream must be closed to release the device.
func (m *Microphone) Open(ctx context.Context, format entities.AudioFormat) (io.ReadCloser, error) {
	if !m.Supports(format) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}

	s := &micStream{logger: m.logger}
	s.cond = sync.NewCond(&s.mu)

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = uint32(format.Channels)
	config.SampleRate = uint32(format.SampleRate)
	config.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(m.ctx.Context, config, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init microphone: %v", domain.ErrDeviceUnavailable, err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: failed to start microphone: %v", domain.ErrDeviceUnavailable, err)
	}

	m.logger.Debug("Microphone started", zap.String("format", format.String()))
	return s, nil
}

// Close releases the capture backend
func (m *Microphone) Close() error {
	if err := m.ctx.Uninit(); err != nil {
		return err
	}
	m.ctx.Free()
	return nil
}

// micStream buffers samples delivered by the device callback.
type micStream struct {
	device *malgo.Device
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	closing bool
	err     error

	closeOnce sync.Once
}

func (s *micStream) onData(_, input []byte, _ uint32) {
	s.mu.Lock()
	if !s.closing {
		s.buf = append(s.buf, input...)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *micStream) onStop() {
	s.mu.Lock()
	if !s.closing && s.err == nil {
		s.err = errDeviceStopped
		s.logger.Warn("Microphone stopped unexpectedly")
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *micStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closing && s.err == nil {
		s.cond.Wait()
	}
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	return 0, io.EOF
}

func (s *micStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.cond.Broadcast()

		if err := s.device.Stop(); err != nil {
			s.logger.Warn("Failed to stop microphone", zap.Error(err))
		}
		s.device.Uninit()
	})
	return nil
}
