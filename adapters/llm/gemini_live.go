package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

var _ repositories.LiveModel = (*GeminiLive)(nil)

// GeminiLive implements LiveModel using the Gemini Live API
type GeminiLive struct {
	client   *genai.Client
	logger   *zap.Logger
	model    string
	voice    string
	language string
	gen      generation
}

// NewGeminiLive creates a live model adapter on top of an existing client
func NewGeminiLive(client *genai.Client, config GeminiConfig, logger *zap.Logger) *GeminiLive {
	model := config.LiveModel
	if model == "" {
		model = defaultLiveModel
		logger.Info("Using default live model", zap.String("model", model))
	}

	voice := config.Voice
	if voice == "" {
		voice = defaultVoice
		logger.Info("Using default voice", zap.String("voice", voice))
	}

	language := config.Language
	if language == "" {
		language = defaultLanguage
		logger.Info("Using default language", zap.String("language", language))
	}

	return &GeminiLive{
		client:   client,
		logger:   logger,
		model:    model,
		voice:    voice,
		language: language,
		gen:      resolveGeneration(config, logger),
	}
}

// Connect opens one live session with audio responses and transcription in both directions
func (g *GeminiLive) Connect(ctx context.Context, opts repositories.LiveOptions) (repositories.LiveSession, error) {
	instruction := opts.SystemInstruction
	if instruction == "" {
		instruction = g.gen.systemPrompt
	}
	if len(opts.History) > 0 {
		instruction += "\n\nConversation so far:\n" + strings.Join(opts.History, "\n")
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		Temperature:        genai.Ptr(g.gen.temperature),
		TopP:               genai.Ptr(g.gen.topP),
		TopK:               genai.Ptr(g.gen.topK),
		MaxOutputTokens:    int32(g.gen.maxOutputTokens),
		SystemInstruction:  genai.NewContentFromText(instruction, genai.RoleUser),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.voice},
			},
			LanguageCode: g.language,
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	session, err := g.client.Live.Connect(ctx, g.model, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect live model %s: %w", g.model, err)
	}

	g.logger.Info("Live session connected",
		zap.String("model", g.model),
		zap.Int("history_length", len(opts.History)))

	return &geminiLiveSession{
		session: session,
		logger:  g.logger,
		format:  entities.AudioFormat{Encoding: entities.EncodingPCM, SampleRate: liveOutputSampleRate, Channels: 1},
	}, nil
}

// geminiLiveSession adapts genai.Session to LiveSession. Send and Recv may be
// used from different goroutines; Recv itself is single consumer.
type geminiLiveSession struct {
	session *genai.Session
	logger  *zap.Logger
	format  entities.AudioFormat

	sendMu sync.Mutex

	pending  []entities.StreamFrame
	complete bool

	closeOnce sync.Once
	closeErr  error
}

func (s *geminiLiveSession) SendAudio(ctx context.Context, data []byte, format entities.AudioFormat) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			Data:     data,
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", format.SampleRate),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (s *geminiLiveSession) EndAudio(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return fmt.Errorf("failed to end audio stream: %w", err)
	}
	return nil
}

func (s *geminiLiveSession) Recv(ctx context.Context) (entities.StreamFrame, error) {
	for {
		if len(s.pending) > 0 {
			frame := s.pending[0]
			s.pending = s.pending[1:]
			return frame, nil
		}
		if s.complete {
			return entities.StreamFrame{}, io.EOF
		}

		msg, err := s.receive(ctx)
		if err != nil {
			return entities.StreamFrame{}, err
		}
		s.handle(msg)
	}
}

// receive blocks on the session; a cancelled ctx closes the session to unblock it.
func (s *geminiLiveSession) receive(ctx context.Context) (*genai.LiveServerMessage, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	msg, err := s.session.Receive()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to receive from live model: %w", err)
	}
	return msg, nil
}

func (s *geminiLiveSession) handle(msg *genai.LiveServerMessage) {
	if msg.GoAway != nil {
		s.logger.Warn("Live model is closing the connection", zap.Duration("time_left", msg.GoAway.TimeLeft))
	}

	content := msg.ServerContent
	if content == nil {
		return
	}

	if t := content.InputTranscription; t != nil && t.Text != "" {
		s.pending = append(s.pending, entities.TranscriptFrame(entities.MessageRoleUser, t.Text, t.Finished))
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			s.pending = append(s.pending, entities.AudioFrame(part.InlineData.Data))
		}
	}

	if t := content.OutputTranscription; t != nil && t.Text != "" {
		s.pending = append(s.pending, entities.TranscriptFrame(entities.MessageRoleAssistant, t.Text, t.Finished))
	}

	if content.Interrupted {
		s.pending = append(s.pending, entities.StreamFrame{Kind: entities.FrameInterrupted})
	}

	if content.TurnComplete {
		s.complete = true
	}
}

func (s *geminiLiveSession) OutputFormat() entities.AudioFormat {
	return s.format
}

func (s *geminiLiveSession) Close() error {
	s.closeOnce.Do(func() {
		err := s.session.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
