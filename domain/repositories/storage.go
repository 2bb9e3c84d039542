package repositories

import (
	"context"

	"github.com/satriahrh/revvoice/domain/entities"
)

// DeviceRepository defines data access methods for devices
type DeviceRepository interface {
	Create(ctx context.Context, device *entities.Device) error
	GetByID(ctx context.Context, id string) (*entities.Device, error)
	GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error)
	// ValidateDevice validates device credentials for authentication
	ValidateDevice(serialNumber, secret string) (*entities.Device, error)
}

// SessionRepository stores conversation sessions per device
type SessionRepository interface {
	Create(ctx context.Context, session *entities.Session) error
	GetByID(ctx context.Context, id string) (*entities.Session, error)
	// GetLastByDeviceID returns the most recent session, or nil when the device has none.
	GetLastByDeviceID(ctx context.Context, deviceID string) (*entities.Session, error)
	Update(ctx context.Context, session *entities.Session) error
	// ExpireSessions marks every active session past its expiry as expired.
	ExpireSessions(ctx context.Context) error
}
