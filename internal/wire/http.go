package wire

import "time"

// HTTP routes shared by the server and the client relay
const (
	PathDeviceAuth = "/api/v1/device/auth"
	PathLive       = "/api/v1/live"
	PathConverse   = "/api/v1/converse"
	PathTTS        = "/api/v1/tts"
	PathWebSocket  = "/ws"
)

// DeviceAuthRequest represents the request payload for device authentication
type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	SecretKey    string `json:"secret_key" validate:"required"`
}

// DeviceAuthResponse represents the response payload for device authentication
type DeviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

// ConverseRequest is a recorded question. Audio is base64 in JSON.
type ConverseRequest struct {
	Audio    []byte   `json:"audio"`
	MIMEType string   `json:"mime_type"`
	History  []string `json:"history"`
}

// TTSRequest asks for text to be spoken
type TTSRequest struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
