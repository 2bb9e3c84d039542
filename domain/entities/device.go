package entities

import (
	"errors"
	"time"
)

// Device is a client installation allowed to open voice turns
type Device struct {
	ID           string    `json:"id" bson:"_id"`
	SerialNumber string    `json:"serial_number" bson:"serial_number"`
	SecretKey    string    `json:"-" bson:"secret_key"`
	Model        string    `json:"model" bson:"model"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

func (d *Device) Validate() error {
	if d.SerialNumber == "" {
		return errors.New("serial number is required")
	}
	if d.SecretKey == "" {
		return errors.New("secret key is required")
	}
	if d.Model == "" {
		return errors.New("model is required")
	}
	return nil
}
