package audio

import (
	"context"
	"fmt"
	"io"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

var _ repositories.AudioOutput = (*Speaker)(nil)

// bufferedDuration bounds the audio queued ahead of the device in milliseconds
const bufferedDuration = 2000

// Speaker renders audio through the default output device. The oto context
// is process wide, so one Speaker serves one sample rate.
type Speaker struct {
	ctx    *oto.Context
	format entities.AudioFormat
	logger *zap.Logger
}

// NewSpeaker opens the output device for the given rate and channel count.
func NewSpeaker(format entities.AudioFormat, logger *zap.Logger) (*Speaker, error) {
	channels := max(format.Channels, 1)

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms device buffer
		BufferSize: format.SampleRate * channels * 2 / 10,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to init speaker: %v", domain.ErrDeviceUnavailable, err)
	}
	<-ready

	logger.Info("Speaker ready",
		zap.Int("sample_rate", format.SampleRate),
		zap.Int("channels", channels))

	return &Speaker{
		ctx:    ctx,
		format: entities.AudioFormat{Encoding: entities.EncodingPCM, SampleRate: format.SampleRate, Channels: channels},
		logger: logger,
	}, nil
}

// Open creates a renderer for PCM, or for opus when built with libopus.
func (s *Speaker) Open(ctx context.Context, format entities.AudioFormat) (repositories.Renderer, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	if format.SampleRate != s.format.SampleRate || max(format.Channels, 1) != s.format.Channels {
		return nil, fmt.Errorf("%w: speaker plays %s, got %s", domain.ErrUnsupportedFormat, s.format, format)
	}

	bufferSize := s.format.BytesPerSecond() * bufferedDuration / 1000
	newPlayer := func(r io.Reader) player { return s.ctx.NewPlayer(r) }

	switch format.Encoding {
	case entities.EncodingPCM:
		return newPCMRenderer(s.format, bufferSize, newPlayer), nil
	case entities.EncodingOpus:
		return newOpusRenderer(format, bufferSize, newPlayer)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}
}
