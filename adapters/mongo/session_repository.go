package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

// ErrSessionNotFound is returned when no session matches the given ID
var ErrSessionNotFound = errors.New("session not found")

// sessionDocument is the stored form of a session. The entity keeps its ID as
// a hex string; Mongo keeps it as an ObjectID.
type sessionDocument struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	entities.Session `bson:",inline"`
}

func (d *sessionDocument) toEntity() *entities.Session {
	session := d.Session
	session.ID = d.ID.Hex()
	return &session
}

type SessionRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.SessionRepository = (*SessionRepository)(nil)

// NewSessionRepository creates a new MongoDB session repository
func NewSessionRepository(db *mongo.Database, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		collection: db.Collection("sessions"),
		logger:     logger,
	}
}

// EnsureIndexes creates the lookup indexes used by the repository
func (r *SessionRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		// Most recent session per device
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "last_active_at", Value: -1}}},
		// Cleanup scans
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}
	r.logger.Info("Session indexes created successfully")
	return nil
}

// Create implements repositories.SessionRepository
func (r *SessionRepository) Create(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	// Set creation timestamps if not already set
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = session.CreatedAt
	}

	result, err := r.collection.InsertOne(ctx, &sessionDocument{Session: *session})
	if err != nil {
		r.logger.Error("Failed to create session", zap.Error(err), zap.String("device_id", session.DeviceID))
		return fmt.Errorf("failed to create session: %w", err)
	}

	// Set the generated ID back to the session
	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		session.ID = oid.Hex()
	}

	r.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("device_id", session.DeviceID))

	return nil
}

// GetByID implements repositories.SessionRepository
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session ID format: %w", err)
	}

	var doc sessionDocument
	err = r.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	return doc.toEntity(), nil
}

// GetLastByDeviceID implements repositories.SessionRepository
func (r *SessionRepository) GetLastByDeviceID(ctx context.Context, deviceID string) (*entities.Session, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	// Find the most recent session for the device
	filter := bson.M{"device_id": deviceID}
	opts := options.FindOne().SetSort(bson.D{{Key: "last_active_at", Value: -1}})

	var doc sessionDocument
	err := r.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No session found, return nil without error
		}
		return nil, fmt.Errorf("failed to get last session for device %s: %w", deviceID, err)
	}

	return doc.toEntity(), nil
}

// Update implements repositories.SessionRepository
func (r *SessionRepository) Update(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	// Convert string ID to ObjectID
	objectID, err := primitive.ObjectIDFromHex(session.ID)
	if err != nil {
		return fmt.Errorf("invalid session ID format: %w", err)
	}

	update := bson.M{
		"$set": bson.M{
			"last_active_at":  session.LastActiveAt,
			"last_message_at": session.LastMessageAt,
			"expires_at":      session.ExpiresAt,
			"status":          session.Status,
			"messages":        session.Messages,
			"metadata":        session.Metadata,
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": objectID}, update)
	if err != nil {
		r.logger.Error("Failed to update session", zap.Error(err), zap.String("session_id", session.ID))
		return fmt.Errorf("failed to update session: %w", err)
	}

	// Check if the document was found and updated
	if result.MatchedCount == 0 {
		return ErrSessionNotFound
	}

	r.logger.Debug("Session updated",
		zap.String("session_id", session.ID),
		zap.Int("messages", len(session.Messages)))
	return nil
}

// ExpireSessions implements repositories.SessionRepository
func (r *SessionRepository) ExpireSessions(ctx context.Context) error {
	filter := bson.M{
		"status":     entities.SessionStatusActive,
		"expires_at": bson.M{"$lt": time.Now()},
	}
	update := bson.M{
		"$set": bson.M{"status": entities.SessionStatusExpired},
	}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		r.logger.Error("Failed to expire sessions", zap.Error(err))
		return fmt.Errorf("failed to expire sessions: %w", err)
	}

	if result.ModifiedCount > 0 {
		r.logger.Info("Expired sessions", zap.Int64("count", result.ModifiedCount))
	}

	return nil
}
