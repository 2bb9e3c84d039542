// Package codec converts between PCM and the opus packets used on the downlink.
package codec

import "time"

// FrameDuration is the duration of one encoded opus packet.
const FrameDuration = 20 * time.Millisecond

// maxFrameSamples is the largest opus frame (120ms at 48kHz) per channel.
const maxFrameSamples = 5760

// validRate reports whether opus accepts the sample rate.
func validRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}
