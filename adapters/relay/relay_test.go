package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/wire"
)

var turn = repositories.TurnRequest{
	TurnID:       "turn-1",
	InputFormat:  entities.MustParseAudioFormat("audio/pcm;rate=16000"),
	OutputFormat: entities.MustParseAudioFormat("audio/pcm;rate=24000"),
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// readAll drains a downlink and returns the audio and the terminal error.
func readAll(ctx context.Context, down repositories.Downlink) ([]byte, []entities.Transcript, error) {
	var audio []byte
	var transcripts []entities.Transcript
	for {
		frame, err := down.Next(ctx)
		if err != nil {
			return audio, transcripts, err
		}
		switch frame.Kind {
		case entities.FrameAudio:
			audio = append(audio, frame.Data...)
		case entities.FrameTranscript:
			transcripts = append(transcripts, frame.Transcript)
		}
	}
}

// echoWebSocketServer acks every turn and answers with the received audio.
func echoWebSocketServer(t *testing.T, dropAfterAudio bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var received []byte
		var turnID string
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.BinaryMessage {
				received = append(received, data...)
				continue
			}

			var base wire.BaseMessage
			_ = json.Unmarshal(data, &base)
			switch base.Type {
			case wire.MessageTypeListeningStart:
				var start wire.ListeningStartMessage
				_ = json.Unmarshal(data, &start)
				turnID = start.TurnID
				if start.InputFormat != turn.InputFormat.String() {
					conn.WriteMessage(websocket.TextMessage, wire.Encode(wire.NewErrorMessage(turnID, "unsupported_format", "bad format")))
					continue
				}
				start.SessionID = "session-1"
				conn.WriteMessage(websocket.TextMessage, wire.Encode(&start))
			case wire.MessageTypeListeningEnd:
				conn.WriteMessage(websocket.TextMessage, wire.Encode(wire.NewSpeakingStart(turnID, turn.OutputFormat.String())))
				conn.WriteMessage(websocket.TextMessage, wire.Encode(wire.NewTranscription(turnID,
					entities.Transcript{Role: entities.MessageRoleUser, Text: "hello", Finished: true})))
				conn.WriteMessage(websocket.BinaryMessage, received)
				if dropAfterAudio {
					return
				}
				conn.WriteMessage(websocket.TextMessage, wire.Encode(wire.NewSpeakingEnd(turnID)))
			}
		}
	}))
}

func TestWebSocketRelayStream(t *testing.T) {
	server := echoWebSocketServer(t, false)
	defer server.Close()

	ctx := testContext(t)
	r := NewWebSocketRelay(server.URL, "token", zaptest.NewLogger(t))

	up, down, err := r.OpenStream(ctx, turn)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer down.Close()

	for _, data := range [][]byte{{1, 2}, {3, 4}} {
		if err := up.Send(ctx, data); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if err := up.CloseSend(); err != nil {
		t.Fatalf("CloseSend failed: %v", err)
	}

	audio, transcripts, err := readAll(ctx, down)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if !bytes.Equal(audio, []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected audio %v", audio)
	}
	if len(transcripts) != 1 || transcripts[0].Text != "hello" {
		t.Errorf("unexpected transcripts %+v", transcripts)
	}
}

func TestWebSocketRelaySendBuffered(t *testing.T) {
	server := echoWebSocketServer(t, false)
	defer server.Close()

	ctx := testContext(t)
	r := NewWebSocketRelay(server.URL, "token", zaptest.NewLogger(t))

	payload := bytes.Repeat([]byte{7}, maxUplinkMessage+10)
	down, err := r.SendBuffered(ctx, turn, payload)
	if err != nil {
		t.Fatalf("SendBuffered failed: %v", err)
	}
	defer down.Close()

	audio, _, err := readAll(ctx, down)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if !bytes.Equal(audio, payload) {
		t.Errorf("expected payload echoed, got %d bytes", len(audio))
	}
}

func TestWebSocketRelayErrors(t *testing.T) {
	server := echoWebSocketServer(t, true)
	defer server.Close()
	ctx := testContext(t)

	t.Run("unauthorized", func(t *testing.T) {
		r := NewWebSocketRelay(server.URL, "", zaptest.NewLogger(t))
		if _, _, err := r.OpenStream(ctx, turn); err == nil {
			t.Error("expected dial to fail without token")
		}
	})

	t.Run("turn rejected", func(t *testing.T) {
		r := NewWebSocketRelay(server.URL, "token", zaptest.NewLogger(t))
		bad := turn
		bad.InputFormat = entities.MustParseAudioFormat("audio/pcm;rate=8000")

		_, _, err := r.OpenStream(ctx, bad)
		var msg *wire.ErrorMessage
		if !errors.As(err, &msg) || msg.Code != "unsupported_format" {
			t.Errorf("expected unsupported_format rejection, got %v", err)
		}
	})

	t.Run("connection dropped", func(t *testing.T) {
		r := NewWebSocketRelay(server.URL, "token", zaptest.NewLogger(t))
		down, err := r.SendBuffered(ctx, turn, []byte{1, 2})
		if err != nil {
			t.Fatalf("SendBuffered failed: %v", err)
		}
		defer down.Close()

		audio, _, err := readAll(ctx, down)
		if err == nil || errors.Is(err, io.EOF) {
			t.Errorf("expected abnormal end, got %v", err)
		}
		if !bytes.Equal(audio, []byte{1, 2}) {
			t.Errorf("expected audio before the drop, got %v", audio)
		}
	})
}

// framedServer answers /api/v1/live with the request body echoed as audio frames.
func framedServer(t *testing.T, truncate bool) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(wire.PathLive, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(wire.HeaderOutputFormat) != turn.OutputFormat.String() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(wire.ErrorResponse{Error: "invalid_format", Message: "bad output format"})
			return
		}

		rc := http.NewResponseController(w)
		if err := rc.EnableFullDuplex(); err != nil {
			t.Errorf("EnableFullDuplex failed: %v", err)
		}
		w.Header().Set("Content-Type", wire.ContentTypeFrames)
		w.WriteHeader(http.StatusOK)
		rc.Flush()

		fw := wire.NewFrameWriter(w, rc)
		buf := make([]byte, 2)
		for {
			n, err := io.ReadFull(r.Body, buf)
			if n > 0 {
				fw.WriteFrame(wire.FrameTypeAudio, append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				break
			}
		}
		if !truncate {
			fw.WriteEnd()
		}
	})
	mux.HandleFunc(wire.PathConverse, func(w http.ResponseWriter, r *http.Request) {
		var req wire.ConverseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Audio) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(repositories.ConverseResult{
			Transcript: "range?",
			Text:       "150 km",
			History:    append(req.History, "user: range?", "assistant: 150 km"),
		})
	})
	mux.HandleFunc(wire.PathTTS, func(w http.ResponseWriter, r *http.Request) {
		var req wire.TTSRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(wire.ErrorResponse{Error: "Text is required."})
			return
		}
		fw := wire.NewFrameWriter(w, http.NewResponseController(w))
		fw.WriteFrame(wire.FrameTypeAudio, []byte(req.Text))
		fw.WriteEnd()
	})
	return httptest.NewServer(mux)
}

func TestHTTPRelayStream(t *testing.T) {
	server := framedServer(t, false)
	defer server.Close()

	ctx := testContext(t)
	r := NewHTTPRelay(server.URL, "token", server.Client(), zaptest.NewLogger(t))

	up, down, err := r.OpenStream(ctx, turn)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer down.Close()

	// the response streams while the request body is still open
	if err := up.Send(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	frame, err := down.Next(ctx)
	if err != nil || !bytes.Equal(frame.Data, []byte{1, 2}) {
		t.Fatalf("expected first chunk echoed before end of input, got %v (%v)", frame.Data, err)
	}

	if err := up.Send(ctx, []byte{3, 4}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := up.CloseSend(); err != nil {
		t.Fatalf("CloseSend failed: %v", err)
	}

	audio, _, err := readAll(ctx, down)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if !bytes.Equal(audio, []byte{3, 4}) {
		t.Errorf("unexpected audio %v", audio)
	}
}

func TestHTTPRelaySendBuffered(t *testing.T) {
	ctx := testContext(t)

	t.Run("complete", func(t *testing.T) {
		server := framedServer(t, false)
		defer server.Close()
		r := NewHTTPRelay(server.URL, "", server.Client(), zaptest.NewLogger(t))

		down, err := r.SendBuffered(ctx, turn, []byte{1, 2, 3, 4})
		if err != nil {
			t.Fatalf("SendBuffered failed: %v", err)
		}
		defer down.Close()

		audio, _, err := readAll(ctx, down)
		if !errors.Is(err, io.EOF) || !bytes.Equal(audio, []byte{1, 2, 3, 4}) {
			t.Errorf("unexpected result %v (%v)", audio, err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		server := framedServer(t, true)
		defer server.Close()
		r := NewHTTPRelay(server.URL, "", server.Client(), zaptest.NewLogger(t))

		down, err := r.SendBuffered(ctx, turn, []byte{1, 2})
		if err != nil {
			t.Fatalf("SendBuffered failed: %v", err)
		}
		defer down.Close()

		_, _, err = readAll(ctx, down)
		if !errors.Is(err, wire.ErrUnterminatedStream) {
			t.Errorf("expected ErrUnterminatedStream, got %v", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		server := framedServer(t, false)
		defer server.Close()
		r := NewHTTPRelay(server.URL, "", server.Client(), zaptest.NewLogger(t))

		bad := turn
		bad.OutputFormat = entities.MustParseAudioFormat("audio/pcm;rate=16000")
		if _, err := r.SendBuffered(ctx, bad, []byte{1, 2}); err == nil {
			t.Error("expected error for rejected request")
		}
	})
}

func TestHTTPRelayAssistant(t *testing.T) {
	server := framedServer(t, false)
	defer server.Close()

	ctx := testContext(t)
	r := NewHTTPRelay(server.URL, "", server.Client(), zaptest.NewLogger(t))

	result, err := r.Converse(ctx, repositories.ConverseRequest{
		Audio:    []byte{1, 2},
		MIMEType: "audio/pcm;rate=16000",
		History:  []string{"user: hi", "assistant: hello"},
	})
	if err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	if result.Text != "150 km" || len(result.History) != 4 {
		t.Errorf("unexpected result %+v", result)
	}

	down, err := r.Speak(ctx, "150 km", turn.OutputFormat)
	if err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	defer down.Close()
	audio, _, err := readAll(ctx, down)
	if !errors.Is(err, io.EOF) || string(audio) != "150 km" {
		t.Errorf("unexpected speech %q (%v)", audio, err)
	}

	if _, err := r.Speak(ctx, "", turn.OutputFormat); err == nil {
		t.Error("expected error for missing text")
	}
}

func TestWebSocketRelayAnswerBeforeEndOfInput(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var turnID string
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.BinaryMessage {
				// the model answers after the first chunk
				if turnID != "" {
					conn.WriteMessage(websocket.TextMessage, wire.Encode(wire.NewSpeakingStart(turnID, turn.OutputFormat.String())))
					conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9})
					conn.WriteMessage(websocket.TextMessage, wire.Encode(wire.NewSpeakingEnd(turnID)))
					turnID = ""
				}
				continue
			}
			var start wire.ListeningStartMessage
			_ = json.Unmarshal(data, &start)
			if start.Type == wire.MessageTypeListeningStart {
				turnID = start.TurnID
				conn.WriteMessage(websocket.TextMessage, wire.Encode(&start))
			}
		}
	}))
	defer server.Close()

	ctx := testContext(t)
	r := NewWebSocketRelay(server.URL, "", zaptest.NewLogger(t))

	up, down, err := r.OpenStream(ctx, turn)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer down.Close()

	if err := up.Send(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	audio, _, err := readAll(ctx, down)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if !bytes.Equal(audio, []byte{9, 9}) {
		t.Errorf("unexpected audio %v", audio)
	}

	// the user is still talking
	for _, data := range [][]byte{{3, 4}, {5, 6}} {
		if err := up.Send(ctx, data); err != nil {
			t.Errorf("expected Send after the answer to succeed, got %v", err)
		}
	}
	if err := up.CloseSend(); err != nil {
		t.Errorf("expected CloseSend after the answer to succeed, got %v", err)
	}
}

func TestHTTPRelayAnswerBeforeEndOfInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		if err := rc.EnableFullDuplex(); err != nil {
			t.Errorf("EnableFullDuplex failed: %v", err)
		}
		w.Header().Set("Content-Type", wire.ContentTypeFrames)
		w.WriteHeader(http.StatusOK)
		rc.Flush()

		buf := make([]byte, 2)
		if _, err := io.ReadFull(r.Body, buf); err != nil {
			return
		}
		fw := wire.NewFrameWriter(w, rc)
		fw.WriteFrame(wire.FrameTypeAudio, []byte{9, 9})
		fw.WriteEnd()
	}))
	defer server.Close()

	ctx := testContext(t)
	r := NewHTTPRelay(server.URL, "token", server.Client(), zaptest.NewLogger(t))

	up, down, err := r.OpenStream(ctx, turn)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer down.Close()

	if err := up.Send(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	audio, _, err := readAll(ctx, down)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if !bytes.Equal(audio, []byte{9, 9}) {
		t.Errorf("unexpected audio %v", audio)
	}

	for _, data := range [][]byte{{3, 4}, {5, 6}} {
		if err := up.Send(ctx, data); err != nil {
			t.Errorf("expected Send after the answer to succeed, got %v", err)
		}
	}
	if err := up.CloseSend(); err != nil {
		t.Errorf("expected CloseSend after the answer to succeed, got %v", err)
	}
}
