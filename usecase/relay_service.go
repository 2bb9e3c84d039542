package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/codec"
	"github.com/satriahrh/revvoice/internal/metrics"
)

// Transports that carry turns
const (
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
)

// Output codecs selectable when a client does not ask for a format
const (
	OutputCodecPCM  = "pcm"
	OutputCodecOpus = "opus"
)

const persistTimeout = 5 * time.Second

// TurnParams identifies one turn and the audio formats it uses
type TurnParams struct {
	DeviceID    string
	TurnID      string
	Transport   string
	InputFormat entities.AudioFormat
	// OutputFormat is the format the client asked for. Zero selects the
	// configured output codec.
	OutputFormat entities.AudioFormat
}

// TurnIO connects a turn to the transport it arrived on
type TurnIO interface {
	// ReadAudio returns the next uplink chunk, or io.EOF after the last one.
	ReadAudio(ctx context.Context) ([]byte, error)
	// Begin is called once the model is connected, before any frame is written.
	Begin(session *entities.Session, format entities.AudioFormat) error
	// WriteFrame delivers one downlink frame.
	WriteFrame(frame entities.StreamFrame) error
}

// RelayConfig configures the relay service
type RelayConfig struct {
	SystemInstruction string
	OutputCodec       string
}

// RelayService bridges client turns to the live model
type RelayService struct {
	model    repositories.LiveModel
	sessions repositories.SessionRepository
	metrics  *metrics.Metrics
	config   RelayConfig
	logger   *zap.Logger
}

// NewRelayService creates a new relay service
func NewRelayService(
	model repositories.LiveModel,
	sessions repositories.SessionRepository,
	m *metrics.Metrics,
	config RelayConfig,
	logger *zap.Logger,
) *RelayService {
	if config.OutputCodec == "" {
		config.OutputCodec = OutputCodecPCM
		logger.Info("Using default output codec", zap.String("codec", config.OutputCodec))
	}
	return &RelayService{
		model:    model,
		sessions: sessions,
		metrics:  m,
		config:   config,
		logger:   logger,
	}
}

// RunTurn relays one turn: uplink audio goes to the model while the model's
// answer streams back through tio. It returns once the model finished its
// answer and the uplink has ended or been abandoned.
func (s *RelayService) RunTurn(ctx context.Context, params TurnParams, tio TurnIO) (err error) {
	finish := s.metrics.TurnStarted(params.Transport)
	defer func() { finish(turnOutcome(err)) }()

	logger := s.logger.With(
		zap.String("deviceID", params.DeviceID),
		zap.String("turnID", params.TurnID),
		zap.String("transport", params.Transport))

	session, err := LoadSession(ctx, s.sessions, params.DeviceID, logger)
	if err != nil {
		return err
	}

	live, err := s.model.Connect(ctx, repositories.LiveOptions{
		SystemInstruction: s.config.SystemInstruction,
		History:           session.History(),
	})
	if err != nil {
		s.metrics.RecordModelError("connect")
		return fmt.Errorf("failed to connect live model: %w", err)
	}
	defer live.Close()

	out, err := newDownlinkEncoder(params.OutputFormat, live.OutputFormat(), s.config.OutputCodec)
	if err != nil {
		return err
	}
	if err := tio.Begin(session, out.format); err != nil {
		return fmt.Errorf("failed to begin turn: %w", err)
	}

	logger.Info("Turn started",
		zap.String("sessionID", session.ID),
		zap.Stringer("inputFormat", params.InputFormat),
		zap.Stringer("outputFormat", out.format))

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(turnCtx)

	up := &uplinkStats{}
	g.Go(func() error {
		err := s.pumpUplink(gctx, tio, live, params.InputFormat, up)
		// The answer finished before the client closed its input.
		if err != nil && gctx.Err() != nil && ctx.Err() == nil {
			return nil
		}
		return err
	})

	transcript := &turnTranscript{}
	g.Go(func() error {
		err := s.pumpDownlink(gctx, tio, live, out, transcript)
		if err == nil {
			cancel()
		}
		return err
	})

	err = g.Wait()

	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer persistCancel()
	s.persist(persistCtx, session, params, transcript, up.duration(params.InputFormat), logger)

	if err != nil {
		logger.Warn("Turn ended abnormally", zap.Error(err))
		return err
	}
	logger.Info("Turn completed",
		zap.Int("uplinkBytes", up.bytes),
		zap.Int("downlinkBytes", out.bytes))
	return nil
}

func (s *RelayService) pumpUplink(ctx context.Context, tio TurnIO, live repositories.LiveSession, format entities.AudioFormat, stats *uplinkStats) error {
	frameSize := format.FrameSize()
	var carry []byte

	for {
		data, err := tio.ReadAudio(ctx)
		if errors.Is(err, io.EOF) {
			if err := live.EndAudio(ctx); err != nil {
				s.metrics.RecordModelError("end_audio")
				return fmt.Errorf("failed to end model input: %w", err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}

		// the model only accepts whole samples
		if len(carry) > 0 {
			data = append(carry, data...)
			carry = nil
		}
		if rem := len(data) % frameSize; rem != 0 {
			carry = append([]byte(nil), data[len(data)-rem:]...)
			data = data[:len(data)-rem]
		}
		if len(data) == 0 {
			continue
		}

		if err := live.SendAudio(ctx, data, format); err != nil {
			s.metrics.RecordModelError("send_audio")
			return fmt.Errorf("failed to send audio to model: %w", err)
		}
		stats.bytes += len(data)
		s.metrics.RecordAudio(metrics.DirectionUp, len(data))
	}
}

func (s *RelayService) pumpDownlink(ctx context.Context, tio TurnIO, live repositories.LiveSession, out *downlinkEncoder, transcript *turnTranscript) error {
	write := func(frame entities.StreamFrame) error {
		if err := tio.WriteFrame(frame); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrTransmissionFailed, err)
		}
		return nil
	}
	writeAudio := func(packets [][]byte) error {
		for _, p := range packets {
			if err := write(entities.AudioFrame(p)); err != nil {
				return err
			}
			s.metrics.RecordAudio(metrics.DirectionDown, len(p))
		}
		return nil
	}

	for {
		frame, err := live.Recv(ctx)
		if errors.Is(err, io.EOF) {
			packets, err := out.flush()
			if err != nil {
				return err
			}
			return writeAudio(packets)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.metrics.RecordModelError("recv")
			return fmt.Errorf("%w: %w", domain.ErrStreamInterrupted, err)
		}

		switch frame.Kind {
		case entities.FrameAudio:
			packets, err := out.encode(frame.Data)
			if err != nil {
				return err
			}
			if err := writeAudio(packets); err != nil {
				return err
			}
		case entities.FrameTranscript:
			transcript.add(frame.Transcript)
			if err := write(frame); err != nil {
				return err
			}
		case entities.FrameInterrupted:
			if err := out.reset(); err != nil {
				return err
			}
			if err := write(frame); err != nil {
				return err
			}
		}
	}
}

func (s *RelayService) persist(ctx context.Context, session *entities.Session, params TurnParams, transcript *turnTranscript, userDuration time.Duration, logger *zap.Logger) {
	user, assistant := transcript.text()
	if user == "" && assistant == "" {
		return
	}

	metadata := entities.SessionMessageMetadata{TurnID: params.TurnID, Transport: params.Transport}
	if user != "" {
		session.AddMessage(entities.MessageRoleUser, user, userDuration, metadata)
	}
	if assistant != "" {
		session.AddMessage(entities.MessageRoleAssistant, assistant, 0, metadata)
	}

	if err := s.sessions.Update(ctx, session); err != nil {
		logger.Error("Failed to update session with new messages",
			zap.String("sessionID", session.ID),
			zap.Error(err))
	}
}

// LoadSession returns the device's conversation, starting a new one when the
// last has gone stale.
func LoadSession(ctx context.Context, repo repositories.SessionRepository, deviceID string, logger *zap.Logger) (*entities.Session, error) {
	session, err := repo.GetLastByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get last session: %w", err)
	}
	if session.CanContinue() {
		return session, nil
	}

	session = entities.NewSession(deviceID)
	if err := repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create new session: %w", err)
	}
	logger.Info("New conversation session",
		zap.String("deviceID", deviceID),
		zap.String("sessionID", session.ID))
	return session, nil
}

func turnOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCompleted
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}

type uplinkStats struct {
	bytes int
}

func (u *uplinkStats) duration(format entities.AudioFormat) time.Duration {
	bps := format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(u.bytes) * time.Second / time.Duration(bps)
}

// turnTranscript joins the transcript pieces the model streams per role
type turnTranscript struct {
	user      strings.Builder
	assistant strings.Builder
}

func (t *turnTranscript) add(tr entities.Transcript) {
	b := &t.user
	if tr.Role == entities.MessageRoleAssistant {
		b = &t.assistant
	}
	b.WriteString(tr.Text)
}

func (t *turnTranscript) text() (user, assistant string) {
	return strings.TrimSpace(t.user.String()), strings.TrimSpace(t.assistant.String())
}

// downlinkEncoder turns model PCM into the negotiated downlink format
type downlinkEncoder struct {
	format entities.AudioFormat
	source entities.AudioFormat
	opus   *codec.Encoder
	carry  []byte
	bytes  int
}

func newDownlinkEncoder(requested, source entities.AudioFormat, defaultCodec string) (*downlinkEncoder, error) {
	if requested.IsZero() {
		requested = source
		if defaultCodec == OutputCodecOpus && codec.Available() {
			requested.Encoding = entities.EncodingOpus
		}
	}

	channels := max(requested.Channels, 1)
	if (requested.SampleRate != 0 && requested.SampleRate != source.SampleRate) || channels != max(source.Channels, 1) {
		return nil, fmt.Errorf("%w: cannot produce %s from %s", domain.ErrUnsupportedFormat, requested, source)
	}

	e := &downlinkEncoder{source: source, format: source}
	switch requested.Encoding {
	case entities.EncodingPCM:
	case entities.EncodingOpus:
		enc, err := codec.NewEncoder(source)
		if err != nil {
			return nil, err
		}
		e.opus = enc
		e.format.Encoding = entities.EncodingOpus
	default:
		return nil, fmt.Errorf("%w: cannot produce %s", domain.ErrUnsupportedFormat, requested)
	}
	return e, nil
}

func (e *downlinkEncoder) encode(data []byte) ([][]byte, error) {
	e.bytes += len(data)
	if e.opus != nil {
		return e.opus.Encode(data)
	}

	// keep PCM chunks sample aligned
	frameSize := e.source.FrameSize()
	if len(e.carry) > 0 {
		data = append(e.carry, data...)
		e.carry = nil
	}
	if rem := len(data) % frameSize; rem != 0 {
		e.carry = append([]byte(nil), data[len(data)-rem:]...)
		data = data[:len(data)-rem]
	}
	if len(data) == 0 {
		return nil, nil
	}
	return [][]byte{data}, nil
}

func (e *downlinkEncoder) flush() ([][]byte, error) {
	e.carry = nil
	if e.opus == nil {
		return nil, nil
	}
	packet, err := e.opus.Flush()
	if err != nil || packet == nil {
		return nil, err
	}
	return [][]byte{packet}, nil
}

// reset drops audio held back from an answer the model abandoned
func (e *downlinkEncoder) reset() error {
	e.carry = nil
	if e.opus == nil {
		return nil
	}
	enc, err := codec.NewEncoder(e.source)
	if err != nil {
		return err
	}
	e.opus = enc
	return nil
}
