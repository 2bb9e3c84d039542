package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

var ErrSessionNotFound = errors.New("session not found")

// MemorySessionRepository keeps sessions in process memory. Used when no
// MongoDB is configured.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entities.Session
}

var _ repositories.SessionRepository = (*MemorySessionRepository)(nil)

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*entities.Session),
	}
}

// copySession detaches the message slice so callers cannot alias stored state
func copySession(s *entities.Session) *entities.Session {
	c := *s
	c.Messages = append([]entities.SessionMessage(nil), s.Messages...)
	return &c
}

func (m *MemorySessionRepository) Create(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := m.sessions[session.ID]; exists {
		return errors.New("session already exists")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = session.CreatedAt
	}

	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemorySessionRepository) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return copySession(session), nil
}

func (m *MemorySessionRepository) GetLastByDeviceID(ctx context.Context, deviceID string) (*entities.Session, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *entities.Session
	for _, s := range m.sessions {
		if s.DeviceID != deviceID {
			continue
		}
		if last == nil || s.LastActiveAt.After(last.LastActiveAt) {
			last = s
		}
	}
	if last == nil {
		return nil, nil
	}
	return copySession(last), nil
}

func (m *MemorySessionRepository) Update(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; !exists {
		return ErrSessionNotFound
	}
	m.sessions[session.ID] = copySession(session)
	return nil
}

func (m *MemorySessionRepository) ExpireSessions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, s := range m.sessions {
		if s.Status == entities.SessionStatusActive && now.After(s.ExpiresAt) {
			s.Expire()
		}
	}
	return nil
}
