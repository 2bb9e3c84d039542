package adapters

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// MemoryDeviceRepository is an in-memory implementation of DeviceRepository
type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*entities.Device // id -> device mapping
	serials map[string]*entities.Device // serial_number -> device mapping
}

var _ repositories.DeviceRepository = (*MemoryDeviceRepository)(nil)

// NewMemoryDeviceRepository creates a new in-memory device repository
func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{
		devices: make(map[string]*entities.Device),
		serials: make(map[string]*entities.Device),
	}
}

// ValidateDevice validates device credentials (serial number + secret)
func (m *MemoryDeviceRepository) ValidateDevice(serialNumber, secret string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.serials[serialNumber]
	if !exists {
		return nil, ErrDeviceNotFound
	}

	if subtle.ConstantTimeCompare([]byte(device.SecretKey), []byte(secret)) != 1 {
		return nil, ErrInvalidCredentials
	}

	deviceCopy := *device
	return &deviceCopy, nil
}

// Create implements DeviceRepository interface
func (m *MemoryDeviceRepository) Create(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	if err := device.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check if device with same serial number already exists
	if _, exists := m.serials[device.SerialNumber]; exists {
		return errors.New("device with this serial number already exists")
	}

	// Generate ID if not provided
	if device.ID == "" {
		device.ID = uuid.New().String()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	deviceCopy := *device
	m.devices[device.ID] = &deviceCopy
	m.serials[device.SerialNumber] = &deviceCopy

	return nil
}

// GetByID implements DeviceRepository interface
func (m *MemoryDeviceRepository) GetByID(ctx context.Context, id string) (*entities.Device, error) {
	if id == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[id]
	if !exists {
		return nil, ErrDeviceNotFound
	}

	// Return a copy to prevent external modifications
	deviceCopy := *device
	return &deviceCopy, nil
}

// GetBySerialNumber implements DeviceRepository interface
func (m *MemoryDeviceRepository) GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error) {
	if serialNumber == "" {
		return nil, errors.New("serial number cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.serials[serialNumber]
	if !exists {
		return nil, ErrDeviceNotFound
	}

	deviceCopy := *device
	return &deviceCopy, nil
}
