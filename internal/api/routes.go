package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/auth"
	"github.com/satriahrh/revvoice/internal/metrics"
	"github.com/satriahrh/revvoice/internal/websocket"
	"github.com/satriahrh/revvoice/internal/wire"
	"github.com/satriahrh/revvoice/usecase"
)

// Conversation serves the turn-based text pipeline
type Conversation interface {
	Converse(ctx context.Context, deviceID string, req repositories.ConverseRequest) (repositories.ConverseResult, error)
	Speak(ctx context.Context, text string, format entities.AudioFormat, sink usecase.FrameSink) error
}

// Dependencies are the services behind the HTTP routes
type Dependencies struct {
	Devices      repositories.DeviceRepository
	JWT          *auth.JWTManager
	Hub          *websocket.Hub
	Relay        websocket.TurnRunner
	Conversation Conversation
	Metrics      *metrics.Metrics
}

type handlers struct {
	Dependencies
	logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	h := &handlers{Dependencies: deps, logger: logger}
	e.HTTPErrorHandler = errorHandler(logger)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":            "ok",
			"service":           "revvoice-relay",
			"connected_devices": len(deps.Hub.ConnectedDevices()),
		})
	})
	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	requireDevice := deps.JWT.Middleware(logger)

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/device/auth", h.deviceAuth)
	v1.POST("/live", h.live, requireDevice)
	v1.POST("/converse", h.converse, requireDevice)
	v1.POST("/tts", h.tts, requireDevice)

	// WebSocket endpoint with JWT validation
	e.GET(wire.PathWebSocket, h.serveWebSocket, requireDevice)
}

func (h *handlers) deviceAuth(c echo.Context) error {
	var req wire.DeviceAuthRequest

	if err := c.Bind(&req); err != nil {
		h.logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.SerialNumber == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number and secret key are required",
		})
	}

	device, err := h.Devices.ValidateDevice(req.SerialNumber, req.SecretKey)
	if err != nil {
		h.logger.Warn("Device authentication failed",
			zap.String("serial_number", req.SerialNumber),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, wire.ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	token, expiresAt, err := h.JWT.GenerateDeviceToken(device.ID)
	if err != nil {
		h.logger.Error("Failed to generate device token",
			zap.String("device_id", device.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, wire.ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.logger.Info("Device authenticated successfully",
		zap.String("device_id", device.ID),
		zap.String("serial_number", device.SerialNumber))

	return c.JSON(http.StatusOK, wire.DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  device.ID,
	})
}

func (h *handlers) serveWebSocket(c echo.Context) error {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	h.logger.Info("WebSocket connection authenticated", zap.String("device_id", claims.DeviceID))
	return websocket.HandleWebSocket(h.Hub, c, claims.DeviceID, h.logger)
}

func (h *handlers) converse(c echo.Context) error {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	var req wire.ConverseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, wire.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	result, err := h.Conversation.Converse(c.Request().Context(), claims.DeviceID, repositories.ConverseRequest{
		Audio:    req.Audio,
		MIMEType: req.MIMEType,
		History:  req.History,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Converse failed", zap.String("device_id", claims.DeviceID), zap.Error(err))
		}
		return c.JSON(status, wire.ErrorResponse{
			Error:   errorName(err),
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, result)
}

// statusFor maps a failure that happened before any response byte was written.
func statusFor(err error) int {
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, usecase.ErrSpeechUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorName(err error) string {
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, usecase.ErrSpeechUnavailable):
		return "speech_unavailable"
	default:
		return wire.ErrorCode(err)
	}
}

// errorHandler renders echo errors in the ErrorResponse shape.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := http.StatusText(status)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(status)
			}
		} else {
			logger.Error("Unhandled request error", zap.String("path", c.Path()), zap.Error(err))
		}

		name := strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, wire.ErrorResponse{Error: name, Message: message})
		}
		if err != nil {
			logger.Debug("Failed to write error response", zap.Error(err))
		}
	}
}
