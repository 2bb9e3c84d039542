package entities

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// Audio encodings understood by the pipeline.
const (
	EncodingPCM  = "pcm"  // signed 16-bit little endian samples
	EncodingOpus = "opus" // one opus packet per chunk
	EncodingWebM = "webm" // opus in a webm container
	EncodingOgg  = "ogg"  // opus in an ogg container
)

// AudioChunk is a slice of audio in arrival order. Data must not be modified
// after the chunk is handed to the next stage.
type AudioChunk struct {
	Seq  int
	Data []byte
}

// AudioFormat describes an audio stream, e.g. "audio/pcm;rate=16000".
type AudioFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// ParseAudioFormat parses MIME-like strings such as "audio/pcm;rate=16000",
// "audio/opus;rate=24000;channels=1" or "audio/webm;codecs=opus".
func ParseAudioFormat(s string) (AudioFormat, error) {
	mediaType, params, err := mime.ParseMediaType(s)
	if err != nil {
		return AudioFormat{}, fmt.Errorf("invalid audio format %q: %w", s, err)
	}

	kind, sub, ok := strings.Cut(mediaType, "/")
	if !ok || kind != "audio" || sub == "" {
		return AudioFormat{}, fmt.Errorf("invalid audio format %q: not an audio type", s)
	}

	format := AudioFormat{Encoding: sub, Channels: 1}
	switch sub {
	case "l16":
		format.Encoding = EncodingPCM
	case "webm", "ogg":
		if codecs := params["codecs"]; codecs != "" && codecs != "opus" {
			return AudioFormat{}, fmt.Errorf("invalid audio format %q: unsupported codec %s", s, codecs)
		}
	}

	if rate := params["rate"]; rate != "" {
		format.SampleRate, err = strconv.Atoi(rate)
		if err != nil || format.SampleRate <= 0 {
			return AudioFormat{}, fmt.Errorf("invalid audio format %q: bad rate", s)
		}
	}
	if channels := params["channels"]; channels != "" {
		format.Channels, err = strconv.Atoi(channels)
		if err != nil || format.Channels <= 0 {
			return AudioFormat{}, fmt.Errorf("invalid audio format %q: bad channels", s)
		}
	}

	if format.SampleRate == 0 {
		switch format.Encoding {
		case EncodingOpus, EncodingWebM, EncodingOgg:
			format.SampleRate = 48000
		default:
			format.SampleRate = 16000
		}
	}

	return format, nil
}

// MustParseAudioFormat is ParseAudioFormat for constant inputs.
func MustParseAudioFormat(s string) AudioFormat {
	format, err := ParseAudioFormat(s)
	if err != nil {
		panic(err)
	}
	return format
}

// String renders the format in the form accepted by ParseAudioFormat.
func (f AudioFormat) String() string {
	if f.Encoding == "" {
		return ""
	}
	params := map[string]string{}
	switch f.Encoding {
	case EncodingWebM, EncodingOgg:
		params["codecs"] = "opus"
	}
	if f.SampleRate > 0 {
		params["rate"] = strconv.Itoa(f.SampleRate)
	}
	if f.Channels > 1 {
		params["channels"] = strconv.Itoa(f.Channels)
	}
	return mime.FormatMediaType("audio/"+f.Encoding, params)
}

// IsZero reports whether the format is unset.
func (f AudioFormat) IsZero() bool {
	return f.Encoding == ""
}

// FrameSize is the number of bytes of one sample across all channels, or 1
// for packetized encodings that cannot be split on sample boundaries.
func (f AudioFormat) FrameSize() int {
	if f.Encoding != EncodingPCM {
		return 1
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return 2 * channels
}

// BytesPerSecond returns the PCM data rate, or 0 for compressed encodings.
func (f AudioFormat) BytesPerSecond() int {
	if f.Encoding != EncodingPCM {
		return 0
	}
	return f.SampleRate * f.FrameSize()
}
