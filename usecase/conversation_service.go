package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/metrics"
)

const transportConverse = "converse"

var (
	// ErrInvalidRequest means the request is missing required input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSpeechUnavailable means no speech synthesizer is configured.
	ErrSpeechUnavailable = errors.New("speech synthesis not configured")
)

// FrameSink receives a synthesized answer
type FrameSink interface {
	// Begin is called once before the first frame with the audio format.
	Begin(format entities.AudioFormat) error
	WriteFrame(frame entities.StreamFrame) error
}

// ConversationService orchestrates the turn-based flow: a recorded question
// is answered as text, and the text is spoken on request.
type ConversationService struct {
	model        repositories.ConversationModel
	speechToText repositories.SpeechToText
	textToSpeech repositories.TextToSpeech
	sessions     repositories.SessionRepository
	metrics      *metrics.Metrics
	language     string
	logger       *zap.Logger
}

// NewConversationService creates a new conversation service. stt and tts may be nil.
func NewConversationService(
	model repositories.ConversationModel,
	stt repositories.SpeechToText,
	tts repositories.TextToSpeech,
	sessions repositories.SessionRepository,
	m *metrics.Metrics,
	language string,
	logger *zap.Logger,
) *ConversationService {
	return &ConversationService{
		model:        model,
		speechToText: stt,
		textToSpeech: tts,
		sessions:     sessions,
		metrics:      m,
		language:     language,
		logger:       logger,
	}
}

// Converse answers a recorded question. Without client history the device's
// stored conversation is used.
func (s *ConversationService) Converse(ctx context.Context, deviceID string, req repositories.ConverseRequest) (repositories.ConverseResult, error) {
	if len(req.Audio) == 0 {
		return repositories.ConverseResult{}, fmt.Errorf("%w: audio is required", ErrInvalidRequest)
	}
	format, err := entities.ParseAudioFormat(req.MIMEType)
	if err != nil {
		return repositories.ConverseResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	logger := s.logger.With(zap.String("deviceID", deviceID))
	logger.Info("Processing recorded question",
		zap.Int("audioSize", len(req.Audio)),
		zap.Stringer("format", format),
		zap.Int("historyLength", len(req.History)))

	session, err := LoadSession(ctx, s.sessions, deviceID, logger)
	if err != nil {
		return repositories.ConverseResult{}, err
	}
	history := req.History
	if len(history) == 0 {
		history = session.History()
	}

	var (
		result     repositories.ConverseResult
		recognized string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		result, err = s.model.Converse(gctx, req.Audio, req.MIMEType, history)
		if err != nil {
			s.metrics.RecordModelError("converse")
			return fmt.Errorf("failed to generate answer: %w", err)
		}
		return nil
	})
	if s.speechToText != nil && format.Encoding == entities.EncodingPCM {
		g.Go(func() error {
			recognized = s.transcribe(gctx, req.Audio, format, logger)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return repositories.ConverseResult{}, err
	}

	// The recognizer's transcript is preferred over the model's own.
	if recognized != "" && recognized != result.Transcript {
		result.Transcript = recognized
		if n := len(result.History); n >= 2 {
			result.History[n-2] = entities.FormatHistoryEntry(entities.MessageRoleUser, recognized)
		}
	}

	s.persist(ctx, session, result, format, len(req.Audio), logger)

	logger.Info("AI response generated",
		zap.String("transcript", result.Transcript),
		zap.Int("responseLength", len(result.Text)))
	return result, nil
}

func (s *ConversationService) transcribe(ctx context.Context, audio []byte, format entities.AudioFormat, logger *zap.Logger) string {
	config, err := repositories.AudioConfigFor(format, s.language)
	if err != nil {
		return ""
	}
	text, err := s.speechToText.TranscribeAudio(ctx, audio, config)
	if err != nil {
		// The model transcript is still available.
		s.metrics.RecordModelError("transcribe")
		logger.Warn("Transcription failed", zap.Error(err))
		return ""
	}
	return text
}

func (s *ConversationService) persist(ctx context.Context, session *entities.Session, result repositories.ConverseResult, format entities.AudioFormat, audioSize int, logger *zap.Logger) {
	var duration time.Duration
	if bps := format.BytesPerSecond(); bps > 0 {
		duration = time.Duration(audioSize) * time.Second / time.Duration(bps)
	}
	metadata := entities.SessionMessageMetadata{Transport: transportConverse}

	if result.Transcript != "" {
		session.AddMessage(entities.MessageRoleUser, result.Transcript, duration, metadata)
	}
	session.AddMessage(entities.MessageRoleAssistant, result.Text, 0, metadata)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.sessions.Update(persistCtx, session); err != nil {
		logger.Error("Failed to update session with new messages",
			zap.String("sessionID", session.ID),
			zap.Error(err))
	}
}

// Speak synthesizes text into sink. A zero format selects the synthesizer's own.
func (s *ConversationService) Speak(ctx context.Context, text string, format entities.AudioFormat, sink FrameSink) error {
	if s.textToSpeech == nil {
		return ErrSpeechUnavailable
	}
	if text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}

	out, err := newDownlinkEncoder(format, s.textToSpeech.OutputFormat(), OutputCodecPCM)
	if err != nil {
		return err
	}

	ttsCtx, cancel := context.WithCancel(ctx)
	chunks, err := s.textToSpeech.ConvertTextToSpeech(ttsCtx, text)
	if err != nil {
		cancel()
		s.metrics.RecordModelError("tts")
		return fmt.Errorf("text-to-speech failed: %w", err)
	}
	defer func() {
		cancel()
		for range chunks {
		}
	}()

	if err := sink.Begin(out.format); err != nil {
		return err
	}

	write := func(packets [][]byte) error {
		for _, p := range packets {
			if err := sink.WriteFrame(entities.AudioFrame(p)); err != nil {
				return fmt.Errorf("%w: %w", domain.ErrTransmissionFailed, err)
			}
			s.metrics.RecordAudio(metrics.DirectionDown, len(p))
		}
		return nil
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			s.metrics.RecordModelError("tts")
			return fmt.Errorf("%w: %w", domain.ErrStreamInterrupted, chunk.Err)
		}
		packets, err := out.encode(chunk.Data)
		if err != nil {
			return err
		}
		if err := write(packets); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	packets, err := out.flush()
	if err != nil {
		return err
	}
	if err := write(packets); err != nil {
		return err
	}

	s.logger.Info("TTS completed",
		zap.Int("textLength", len(text)),
		zap.Int("audioSize", out.bytes))
	return nil
}
