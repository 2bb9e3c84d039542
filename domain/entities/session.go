package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionStatus represents the status of a session
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusTerminated SessionStatus = "terminated"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

const (
	// SessionTTL is how long a session lives after its last activity.
	SessionTTL = 24 * time.Hour

	// SessionIdleLimit is the silence after which a new conversation starts.
	SessionIdleLimit = 30 * time.Minute
)

// SessionMessage is one transcribed utterance within a session
type SessionMessage struct {
	Timestamp  time.Time              `json:"timestamp" bson:"timestamp"`
	Role       MessageRole            `json:"role" bson:"role"`
	Content    string                 `json:"content" bson:"content"`
	DurationMs int64                  `json:"duration_ms" bson:"duration_ms"`
	Metadata   SessionMessageMetadata `json:"metadata" bson:"metadata"`
}

// SessionMessageMetadata contains additional metadata for a message
type SessionMessageMetadata struct {
	TurnID    string `json:"turn_id,omitempty" bson:"turn_id,omitempty"`
	Transport string `json:"transport,omitempty" bson:"transport,omitempty"`
}

// SessionMetadata contains session-level metadata
type SessionMetadata struct {
	Language string `json:"language" bson:"language"`
}

// Session is the conversation of one device with the assistant
type Session struct {
	ID            string           `json:"id" bson:"-"`
	DeviceID      string           `json:"device_id" bson:"device_id"`
	CreatedAt     time.Time        `json:"created_at" bson:"created_at"`
	LastActiveAt  time.Time        `json:"last_active_at" bson:"last_active_at"`
	LastMessageAt *time.Time       `json:"last_message_at" bson:"last_message_at"`
	ExpiresAt     time.Time        `json:"expires_at" bson:"expires_at"`
	Status        SessionStatus    `json:"status" bson:"status"`
	Messages      []SessionMessage `json:"messages" bson:"messages"`
	Metadata      SessionMetadata  `json:"metadata" bson:"metadata"`
}

// NewSession creates a new session for a device
func NewSession(deviceID string) *Session {
	now := time.Now()
	return &Session{
		DeviceID:     deviceID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(SessionTTL),
		Status:       SessionStatusActive,
		Messages:     make([]SessionMessage, 0),
		Metadata: SessionMetadata{
			Language: "en-IN",
		},
	}
}

// AddMessage appends a message to the session
func (s *Session) AddMessage(role MessageRole, content string, duration time.Duration, metadata SessionMessageMetadata) {
	now := time.Now()
	s.Messages = append(s.Messages, SessionMessage{
		Timestamp:  now,
		Role:       role,
		Content:    content,
		DurationMs: duration.Milliseconds(),
		Metadata:   metadata,
	})
	s.LastMessageAt = &now
	s.UpdateLastActive()
}

// UpdateLastActive updates the last active timestamp and extends expiration
func (s *Session) UpdateLastActive() {
	s.LastActiveAt = time.Now()
	s.ExpiresAt = s.LastActiveAt.Add(SessionTTL)
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt) || s.Status != SessionStatusActive
}

// CanContinue reports whether new turns may be appended to this session.
// A session goes stale once it expires or after SessionIdleLimit without messages.
func (s *Session) CanContinue() bool {
	if s == nil || s.IsExpired() {
		return false
	}
	if s.LastMessageAt == nil {
		return true
	}
	return time.Since(*s.LastMessageAt) <= SessionIdleLimit
}

// Terminate marks the session as terminated
func (s *Session) Terminate() {
	s.Status = SessionStatusTerminated
	s.UpdateLastActive()
}

// Expire marks the session as expired
func (s *Session) Expire() {
	s.Status = SessionStatusExpired
}

// History renders the messages as the opaque history strings exchanged with clients.
func (s *Session) History() []string {
	history := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		history = append(history, FormatHistoryEntry(m.Role, m.Content))
	}
	return history
}

// FormatHistoryEntry renders one history line, e.g. "user: hello".
func FormatHistoryEntry(role MessageRole, content string) string {
	return fmt.Sprintf("%s: %s", role, strings.TrimSpace(content))
}

// ParseHistoryEntry splits a line produced by FormatHistoryEntry. Lines without
// a known role prefix are reported as user text.
func ParseHistoryEntry(entry string) (MessageRole, string) {
	prefix, content, ok := strings.Cut(entry, ":")
	if ok {
		switch role := MessageRole(strings.TrimSpace(prefix)); role {
		case MessageRoleUser, MessageRoleAssistant:
			return role, strings.TrimSpace(content)
		}
	}
	return MessageRoleUser, strings.TrimSpace(entry)
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.DeviceID == "" {
		return errors.New("device_id is required")
	}

	switch s.Status {
	case SessionStatusActive, SessionStatusExpired, SessionStatusTerminated:
	default:
		return errors.New("invalid session status")
	}

	return nil
}
