package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/repositories"
)

// Google rejects streaming requests with more audio than this.
const maxStreamChunk = 25 * 1024

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	client *speech.Client
	logger *zap.Logger
}

// NewGoogleSpeechToText creates a client using application default credentials
func NewGoogleSpeechToText(ctx context.Context, logger *zap.Logger) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechToText{client: client, logger: logger}, nil
}

// Close releases the client connection
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

func recognitionConfig(config repositories.AudioConfig) (*speechpb.RecognitionConfig, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}
	return &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(config.SampleRate),
		LanguageCode:               config.Language,
		EnableAutomaticPunctuation: true,
	}, nil
}

func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	rc, err := recognitionConfig(config)
	if err != nil {
		return nil, err
	}

	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          rc,
				InterimResults:  false,
				SingleUtterance: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &GoogleSpeechToTextStream{
		stream: stream,
		ctx:    ctx,
		logger: g.logger,
		result: make(chan recognition, 1),
	}
	go s.receiveResults()

	return s, nil
}

// recognition is the outcome of one streaming session
type recognition struct {
	transcript string
	err        error
}

type GoogleSpeechToTextStream struct {
	stream speechpb.Speech_StreamingRecognizeClient
	ctx    context.Context
	logger *zap.Logger

	mu            sync.Mutex
	audioReceived bool
	result        chan recognition
}

func (g *GoogleSpeechToTextStream) Stream(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(data) > 0 {
		n := min(len(data), maxStreamChunk)
		if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
				AudioContent: data[:n],
			},
		}); err != nil {
			return fmt.Errorf("failed to send audio data: %w", err)
		}
		g.audioReceived = true
		data = data[n:]
	}

	return nil
}

func (g *GoogleSpeechToTextStream) End() (string, error) {
	g.mu.Lock()
	audioReceived := g.audioReceived
	g.mu.Unlock()

	if err := g.stream.CloseSend(); err != nil {
		return "", fmt.Errorf("failed to close send stream: %w", err)
	}
	if !audioReceived {
		return "", fmt.Errorf("no audio data received")
	}

	select {
	case <-g.ctx.Done():
		return "", fmt.Errorf("context cancelled while waiting for result: %w", g.ctx.Err())
	case r := <-g.result:
		if r.err != nil {
			return "", r.err
		}
		if r.transcript == "" {
			return "", fmt.Errorf("no speech detected in audio")
		}
		return r.transcript, nil
	}
}

func (g *GoogleSpeechToTextStream) receiveResults() {
	var parts []string

	for {
		resp, err := g.stream.Recv()
		if errors.Is(err, io.EOF) {
			g.result <- recognition{transcript: strings.Join(parts, " ")}
			return
		}
		if err != nil {
			g.result <- recognition{err: fmt.Errorf("failed to receive response: %w", err)}
			return
		}

		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				parts = append(parts, strings.TrimSpace(result.Alternatives[0].Transcript))
			}
		}
	}
}

// TranscribeAudio converts a complete recording to text
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	rc, err := recognitionConfig(config)
	if err != nil {
		return "", err
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioData},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to recognize audio: %w", err)
	}

	var parts []string
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			parts = append(parts, strings.TrimSpace(result.Alternatives[0].Transcript))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no speech detected in audio")
	}

	g.logger.Debug("Audio transcribed", zap.Int("audioSize", len(audioData)), zap.Int("results", len(parts)))
	return strings.Join(parts, " "), nil
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
