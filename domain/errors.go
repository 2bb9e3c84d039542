package domain

import "errors"

// Errors shared by the voice pipeline. Callers wrap them with context and
// match with errors.Is.
var (
	// ErrDeviceUnavailable means the input or output device could not be acquired
	// (permission denied, no device) or failed while in use.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrUnsupportedFormat means none of the preferred encodings is supported.
	ErrUnsupportedFormat = errors.New("no supported audio format")

	// ErrTransmissionFailed means sending audio to the relay failed.
	ErrTransmissionFailed = errors.New("transmission failed")

	// ErrStreamInterrupted means the response stream ended abnormally.
	ErrStreamInterrupted = errors.New("response stream interrupted")

	// ErrDecodeRejected means a single chunk could not be decoded or rendered.
	ErrDecodeRejected = errors.New("audio chunk rejected by decoder")

	// ErrPlaybackStopped is returned when audio is enqueued after playback was stopped.
	ErrPlaybackStopped = errors.New("playback stopped")
)
