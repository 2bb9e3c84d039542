package entities

// FrameKind identifies the payload of a StreamFrame.
type FrameKind int

const (
	FrameAudio FrameKind = iota + 1
	FrameTranscript
	FrameInterrupted
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameTranscript:
		return "transcript"
	case FrameInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Transcript is recognized or generated text attached to a turn.
type Transcript struct {
	Role     MessageRole `json:"role"`
	Text     string      `json:"text"`
	Finished bool        `json:"finished"`
}

// StreamFrame is one unit of a response stream.
type StreamFrame struct {
	Kind       FrameKind
	Data       []byte
	Transcript Transcript
}

// AudioFrame builds an audio frame.
func AudioFrame(data []byte) StreamFrame {
	return StreamFrame{Kind: FrameAudio, Data: data}
}

// TranscriptFrame builds a transcript frame.
func TranscriptFrame(role MessageRole, text string, finished bool) StreamFrame {
	return StreamFrame{
		Kind:       FrameTranscript,
		Transcript: Transcript{Role: role, Text: text, Finished: finished},
	}
}
