package voice

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

// Transmitter forwards captured chunks to the relay.
type Transmitter struct {
	logger *zap.Logger
}

// NewTransmitter creates a transmitter.
func NewTransmitter(logger *zap.Logger) *Transmitter {
	return &Transmitter{logger: logger}
}

// Stream sends every chunk as soon as it is produced, one send at a time and
// in arrival order. When the sequence ends it closes the sending side so the
// remote end can finish its turn.
func (t *Transmitter) Stream(ctx context.Context, up repositories.Uplink, chunks <-chan entities.AudioChunk) error {
	sent := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if err := up.CloseSend(); err != nil {
					return fmt.Errorf("%w: failed to close uplink: %w", domain.ErrTransmissionFailed, err)
				}
				t.logger.Debug("Uplink closed", zap.Int("chunks", sent))
				return nil
			}
			if err := up.Send(ctx, chunk.Data); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: failed to send chunk %d: %w", domain.ErrTransmissionFailed, chunk.Seq, err)
			}
			sent++
		}
	}
}

// Collect waits for the whole sequence and returns it as one payload.
func (t *Transmitter) Collect(ctx context.Context, chunks <-chan entities.AudioChunk) ([]byte, error) {
	var payload bytes.Buffer
	count := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				t.logger.Debug("Recording collected", zap.Int("chunks", count), zap.Int("bytes", payload.Len()))
				return payload.Bytes(), nil
			}
			payload.Write(chunk.Data)
			count++
		}
	}
}
