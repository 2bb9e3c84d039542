package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satriahrh/revvoice/domain/entities"
)

func newDevice(serial string) *entities.Device {
	return &entities.Device{SerialNumber: serial, SecretKey: "s3cret", Model: "rev-desktop"}
}

func TestMemoryDeviceRepository(t *testing.T) {
	repo := NewMemoryDeviceRepository()
	ctx := context.Background()

	device := newDevice("REV-001")
	if err := repo.Create(ctx, device); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if device.ID == "" {
		t.Fatal("expected generated ID")
	}
	if err := repo.Create(ctx, newDevice("REV-001")); err == nil {
		t.Error("expected duplicate serial number to be rejected")
	}
	if err := repo.Create(ctx, &entities.Device{SerialNumber: "X"}); err == nil {
		t.Error("expected invalid device to be rejected")
	}

	got, err := repo.GetByID(ctx, device.ID)
	if err != nil || got.SerialNumber != "REV-001" {
		t.Errorf("GetByID: %+v, %v", got, err)
	}
	got.Model = "changed"
	if again, _ := repo.GetBySerialNumber(ctx, "REV-001"); again.Model != "rev-desktop" {
		t.Error("expected stored device to be isolated from callers")
	}

	if _, err := repo.GetBySerialNumber(ctx, "REV-404"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}

	tests := []struct {
		name    string
		serial  string
		secret  string
		wantErr error
	}{
		{"valid credentials", "REV-001", "s3cret", nil},
		{"wrong secret", "REV-001", "guess", ErrInvalidCredentials},
		{"unknown device", "REV-404", "s3cret", ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := repo.ValidateDevice(tt.serial, tt.secret)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && d.ID != device.ID {
				t.Errorf("expected device %s, got %s", device.ID, d.ID)
			}
		})
	}
}

func TestMemorySessionRepository(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	if last, err := repo.GetLastByDeviceID(ctx, "device-1"); err != nil || last != nil {
		t.Fatalf("expected no session, got %+v, %v", last, err)
	}

	first := entities.NewSession("device-1")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second := entities.NewSession("device-1")
	second.LastActiveAt = first.LastActiveAt.Add(time.Second)
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	other := entities.NewSession("device-2")
	other.LastActiveAt = first.LastActiveAt.Add(time.Hour)
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	last, err := repo.GetLastByDeviceID(ctx, "device-1")
	if err != nil || last.ID != second.ID {
		t.Fatalf("expected newest session %s, got %+v, %v", second.ID, last, err)
	}

	last.AddMessage(entities.MessageRoleUser, "hello", time.Second, entities.SessionMessageMetadata{})
	stored, _ := repo.GetByID(ctx, second.ID)
	if len(stored.Messages) != 0 {
		t.Error("expected stored session to be isolated until Update")
	}
	if err := repo.Update(ctx, last); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	stored, _ = repo.GetByID(ctx, second.ID)
	if len(stored.Messages) != 1 || stored.Messages[0].Content != "hello" {
		t.Errorf("unexpected messages %+v", stored.Messages)
	}

	missing := entities.NewSession("device-3")
	missing.ID = "nope"
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := repo.GetByID(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemorySessionRepositoryExpire(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	stale := entities.NewSession("device-1")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	fresh := entities.NewSession("device-2")
	_ = repo.Create(ctx, stale)
	_ = repo.Create(ctx, fresh)

	if err := repo.ExpireSessions(ctx); err != nil {
		t.Fatalf("ExpireSessions failed: %v", err)
	}

	if s, _ := repo.GetByID(ctx, stale.ID); s.Status != entities.SessionStatusExpired {
		t.Errorf("expected stale session to expire, got %s", s.Status)
	}
	if s, _ := repo.GetByID(ctx, fresh.ID); s.Status != entities.SessionStatusActive {
		t.Errorf("expected fresh session to stay active, got %s", s.Status)
	}
}
