package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/repositories"
)

const (
	defaultCleanupInterval = 30 * time.Minute
	cleanupTimeout         = 5 * time.Minute
)

// SessionCleanupService handles background tasks for session management
type SessionCleanupService struct {
	sessionRepo repositories.SessionRepository
	interval    time.Duration
	logger      *zap.Logger
	stopChan    chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewSessionCleanupService creates a new session cleanup service. A zero
// interval runs the sweep every 30 minutes.
func NewSessionCleanupService(sessionRepo repositories.SessionRepository, interval time.Duration, logger *zap.Logger) *SessionCleanupService {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &SessionCleanupService{
		sessionRepo: sessionRepo,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started", zap.Duration("interval", s.interval))
}

// Stop stops the cleanup service and waits for a running sweep to finish
func (s *SessionCleanupService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
	s.logger.Info("Session cleanup service stopped")
}

// cleanupLoop runs the cleanup process periodically
func (s *SessionCleanupService) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// first sweep shortly after startup
	initialTimer := time.NewTimer(min(time.Minute, s.interval))
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.runCleanup()
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// runCleanup performs the actual cleanup of expired sessions
func (s *SessionCleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	s.logger.Debug("Starting session cleanup")

	if err := s.sessionRepo.ExpireSessions(ctx); err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
		return
	}

	s.logger.Info("Session cleanup completed successfully")
}
