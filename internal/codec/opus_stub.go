//go:build !opus
// +build !opus

package codec

import (
	"fmt"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
)

// This file keeps the codec API available in builds without libopus. Every
// constructor fails with ErrUnsupportedFormat so callers fall back to PCM.

// Available reports whether the binary was built with libopus.
func Available() bool { return false }

type Encoder struct{}

func NewEncoder(format entities.AudioFormat) (*Encoder, error) {
	return nil, fmt.Errorf("%w: built without opus support", domain.ErrUnsupportedFormat)
}

func (e *Encoder) Encode(data []byte) ([][]byte, error) { return nil, domain.ErrUnsupportedFormat }

func (e *Encoder) Flush() ([]byte, error) { return nil, domain.ErrUnsupportedFormat }

type Decoder struct{}

func NewDecoder(format entities.AudioFormat) (*Decoder, error) {
	return nil, fmt.Errorf("%w: built without opus support", domain.ErrUnsupportedFormat)
}

func (d *Decoder) Decode(packet []byte) ([]byte, error) { return nil, domain.ErrUnsupportedFormat }
