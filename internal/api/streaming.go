package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/internal/auth"
	"github.com/satriahrh/revvoice/internal/wire"
	"github.com/satriahrh/revvoice/usecase"
)

// Size of one uplink read from a streamed request body.
const uplinkReadSize = 16 * 1024

var (
	_ usecase.TurnIO    = (*liveTurn)(nil)
	_ usecase.FrameSink = (*frameStream)(nil)
)

// frameStream writes a framed response. Headers go out on Begin.
type frameStream struct {
	res    *echo.Response
	rc     *http.ResponseController
	writer *wire.FrameWriter
	begun  bool
}

func newFrameStream(c echo.Context) *frameStream {
	rc := http.NewResponseController(c.Response())
	return &frameStream{
		res:    c.Response(),
		rc:     rc,
		writer: wire.NewFrameWriter(c.Response(), rc),
	}
}

func (s *frameStream) Begin(format entities.AudioFormat) error {
	header := s.res.Header()
	header.Set(echo.HeaderContentType, wire.ContentTypeFrames)
	header.Set(wire.HeaderAudioFormat, format.String())
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set(echo.HeaderXContentTypeOptions, "nosniff")
	s.res.WriteHeader(http.StatusOK)
	s.begun = true
	return s.rc.Flush()
}

func (s *frameStream) WriteFrame(frame entities.StreamFrame) error {
	return s.writer.WriteStreamFrame(frame)
}

// finish ends the stream. Failures before Begin become a JSON error response.
func (s *frameStream) finish(c echo.Context, err error, logger *zap.Logger) error {
	ctx := c.Request().Context()
	switch {
	case err == nil:
		if werr := s.writer.WriteEnd(); werr != nil {
			logger.Debug("Failed to write end frame", zap.Error(werr))
		}
		return nil

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Info("Client went away", zap.Error(err))
		return nil

	case !s.begun:
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Stream failed before it started", zap.Error(err))
		}
		return c.JSON(status, wire.ErrorResponse{Error: errorName(err), Message: err.Error()})

	default:
		logger.Warn("Stream ended abnormally", zap.Error(err))
		if werr := s.writer.WriteError(wire.ErrorCode(err), err.Error()); werr != nil {
			logger.Debug("Failed to write error frame", zap.Error(werr))
		}
		return nil
	}
}

// liveTurn adapts a full duplex HTTP exchange to usecase.TurnIO.
type liveTurn struct {
	*frameStream
	body io.Reader
	buf  []byte
}

// ReadAudio reads the next piece of the request body. Cancelling ctx
// interrupts a blocked read.
func (t *liveTurn) ReadAudio(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { t.rc.SetReadDeadline(time.Now()) })
	defer stop()

	n, err := t.body.Read(t.buf)
	if n > 0 {
		return append([]byte(nil), t.buf[:n]...), nil
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return nil, nil
}

func (t *liveTurn) Begin(session *entities.Session, format entities.AudioFormat) error {
	t.res.Header().Set(wire.HeaderSessionID, session.ID)
	return t.frameStream.Begin(format)
}

// live relays one turn over a streamed request and response.
func (h *handlers) live(c echo.Context) error {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
			Error:   "missing_body",
			Message: "Request body is required.",
		})
	}

	input, err := entities.ParseAudioFormat(req.Header.Get(echo.HeaderContentType))
	if err != nil {
		return c.JSON(http.StatusUnsupportedMediaType, wire.ErrorResponse{
			Error:   "invalid_format",
			Message: err.Error(),
		})
	}
	var output entities.AudioFormat
	if v := req.Header.Get(wire.HeaderOutputFormat); v != "" {
		if output, err = entities.ParseAudioFormat(v); err != nil {
			return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
				Error:   "invalid_format",
				Message: err.Error(),
			})
		}
	}

	turnID := req.Header.Get(wire.HeaderTurnID)
	if turnID == "" {
		turnID = uuid.NewString()
	}
	c.Response().Header().Set(wire.HeaderTurnID, turnID)

	stream := newFrameStream(c)
	if err := stream.rc.EnableFullDuplex(); err != nil {
		h.logger.Warn("Full duplex not supported, uplink must arrive before the answer", zap.Error(err))
	}

	logger := h.logger.With(zap.String("deviceID", claims.DeviceID), zap.String("turnID", turnID))
	turn := &liveTurn{frameStream: stream, body: req.Body, buf: make([]byte, uplinkReadSize)}

	err = h.Relay.RunTurn(req.Context(), usecase.TurnParams{
		DeviceID:     claims.DeviceID,
		TurnID:       turnID,
		Transport:    usecase.TransportHTTP,
		InputFormat:  input,
		OutputFormat: output,
	}, turn)
	return stream.finish(c, err, logger)
}

// tts streams synthesized speech for a text.
func (h *handlers) tts(c echo.Context) error {
	var req wire.TTSRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
			Error:   "missing_fields",
			Message: "Text is required.",
		})
	}

	var format entities.AudioFormat
	if req.Format != "" {
		var err error
		if format, err = entities.ParseAudioFormat(req.Format); err != nil {
			return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
				Error:   "invalid_format",
				Message: err.Error(),
			})
		}
	}

	stream := newFrameStream(c)
	err := h.Conversation.Speak(c.Request().Context(), req.Text, format, stream)
	return stream.finish(c, err, h.logger.With(zap.Int("textLength", len(req.Text))))
}
