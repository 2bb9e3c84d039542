package websocket

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/adapters"
	"github.com/satriahrh/revvoice/adapters/llm"
	"github.com/satriahrh/revvoice/adapters/relay"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/metrics"
	"github.com/satriahrh/revvoice/internal/wire"
	"github.com/satriahrh/revvoice/usecase"
)

var (
	pcm16k = entities.MustParseAudioFormat("audio/pcm;rate=16000")
	pcm24k = entities.MustParseAudioFormat("audio/pcm;rate=24000")
)

func setupTestHub(t *testing.T, runner TurnRunner) (*Hub, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	hub := NewHub(runner, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET(wire.PathWebSocket, func(c echo.Context) error {
		deviceID := c.QueryParam("device")
		if deviceID == "" {
			deviceID = "device-1"
		}
		return HandleWebSocket(hub, c, deviceID, logger)
	})
	srv := httptest.NewServer(e)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.stopped
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + wire.PathWebSocket + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, wire.Encode(msg)); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
}

// readControl returns the next control message, skipping binary audio.
func readControl(t *testing.T, conn *websocket.Conn) interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := wire.DecodeServerMessage(data)
		if err != nil {
			t.Fatalf("invalid server message %s: %v", data, err)
		}
		return msg
	}
}

func newRelayService(sessions repositories.SessionRepository) *usecase.RelayService {
	return usecase.NewRelayService(
		llm.NewMockLiveModel(),
		sessions,
		metrics.New(prometheus.NewRegistry()),
		usecase.RelayConfig{},
		zap.NewNop(),
	)
}

func TestHub_RelaysTurnEndToEnd(t *testing.T) {
	sessions := adapters.NewMemorySessionRepository()
	_, srv := setupTestHub(t, newRelayService(sessions))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := relay.NewWebSocketRelay(srv.URL, "", zap.NewNop())
	up, down, err := client.OpenStream(ctx, repositories.TurnRequest{
		TurnID:       "turn-1",
		InputFormat:  pcm16k,
		OutputFormat: pcm24k,
	})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer down.Close()

	for i := 0; i < 4; i++ {
		if err := up.Send(ctx, make([]byte, 800)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if err := up.CloseSend(); err != nil {
		t.Fatalf("CloseSend failed: %v", err)
	}

	var audioFrames int
	var transcripts []entities.Transcript
	for {
		frame, err := down.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		switch frame.Kind {
		case entities.FrameAudio:
			audioFrames++
			if len(frame.Data) != pcm24k.BytesPerSecond()/10 {
				t.Errorf("expected 100ms audio frames, got %d bytes", len(frame.Data))
			}
		case entities.FrameTranscript:
			transcripts = append(transcripts, frame.Transcript)
		}
	}

	if audioFrames != 3 {
		t.Errorf("expected 3 audio frames, got %d", audioFrames)
	}
	if len(transcripts) != 2 || transcripts[0].Text != "(3200 bytes of audio)" || transcripts[1].Role != entities.MessageRoleAssistant {
		t.Errorf("unexpected transcripts %+v", transcripts)
	}

	session, err := sessions.GetLastByDeviceID(ctx, "device-1")
	if err != nil || session == nil {
		t.Fatalf("expected a stored session, got %v, %v", session, err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(session.Messages))
	}
	if session.Messages[0].Metadata.TurnID != "turn-1" || session.Messages[0].Metadata.Transport != usecase.TransportWebSocket {
		t.Errorf("unexpected message metadata %+v", session.Messages[0].Metadata)
	}
}

func TestHub_RejectsUnsupportedOutputFormat(t *testing.T) {
	_, srv := setupTestHub(t, newRelayService(adapters.NewMemorySessionRepository()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := relay.NewWebSocketRelay(srv.URL, "", zap.NewNop())
	_, _, err := client.OpenStream(ctx, repositories.TurnRequest{
		TurnID:       "turn-1",
		InputFormat:  pcm16k,
		OutputFormat: pcm16k,
	})

	var msg *wire.ErrorMessage
	if !errors.As(err, &msg) {
		t.Fatalf("expected an error message, got %v", err)
	}
	if msg.Code != wire.CodeUnsupportedFormat || msg.TurnID != "turn-1" {
		t.Errorf("unexpected error message %+v", msg)
	}
}

// blockingRunner acknowledges every turn and then waits to be cancelled.
type blockingRunner struct {
	started chan usecase.TurnParams
	ended   atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan usecase.TurnParams, 4)}
}

func (r *blockingRunner) RunTurn(ctx context.Context, params usecase.TurnParams, tio usecase.TurnIO) error {
	defer r.ended.Add(1)
	if err := tio.Begin(&entities.Session{ID: "session-1"}, pcm24k); err != nil {
		return err
	}
	r.started <- params
	<-ctx.Done()
	return ctx.Err()
}

func expectAck(t *testing.T, conn *websocket.Conn, turnID string) {
	t.Helper()
	ack, ok := readControl(t, conn).(*wire.ListeningStartMessage)
	if !ok || ack.TurnID != turnID || ack.SessionID != "session-1" {
		t.Fatalf("expected ack for %s, got %+v", turnID, ack)
	}
	start, ok := readControl(t, conn).(*wire.SpeakingStartMessage)
	if !ok || start.Format != pcm24k.String() {
		t.Fatalf("expected speaking_start, got %+v", start)
	}
}

func expectSpeakingEnd(t *testing.T, conn *websocket.Conn, turnID string) {
	t.Helper()
	end, ok := readControl(t, conn).(*wire.SpeakingEndMessage)
	if !ok || end.TurnID != turnID {
		t.Fatalf("expected speaking_end for %s, got %+v", turnID, end)
	}
}

func TestHub_InterruptAbortsTurn(t *testing.T) {
	runner := newBlockingRunner()
	_, srv := setupTestHub(t, runner)
	conn := dial(t, srv, "")

	sendJSON(t, conn, wire.NewListeningStart("turn-1", pcm16k.String(), ""))
	expectAck(t, conn, "turn-1")

	params := <-runner.started
	if params.DeviceID != "device-1" || params.Transport != usecase.TransportWebSocket || params.InputFormat != pcm16k {
		t.Errorf("unexpected turn params %+v", params)
	}
	if !params.OutputFormat.IsZero() {
		t.Errorf("expected no requested output format, got %s", params.OutputFormat)
	}

	sendJSON(t, conn, wire.NewInterrupt())
	expectSpeakingEnd(t, conn, "turn-1")

	if runner.ended.Load() != 1 {
		t.Errorf("expected the turn to have ended, got %d", runner.ended.Load())
	}
}

func TestHub_NewTurnAbortsCurrent(t *testing.T) {
	runner := newBlockingRunner()
	_, srv := setupTestHub(t, runner)
	conn := dial(t, srv, "")

	sendJSON(t, conn, wire.NewListeningStart("turn-1", pcm16k.String(), ""))
	expectAck(t, conn, "turn-1")
	<-runner.started

	sendJSON(t, conn, wire.NewListeningStart("turn-2", pcm16k.String(), pcm24k.String()))
	expectSpeakingEnd(t, conn, "turn-1")
	expectAck(t, conn, "turn-2")

	params := <-runner.started
	if params.TurnID != "turn-2" || params.OutputFormat != pcm24k {
		t.Errorf("unexpected turn params %+v", params)
	}
}

func TestHub_InvalidMessage(t *testing.T) {
	_, srv := setupTestHub(t, newBlockingRunner())
	conn := dial(t, srv, "")

	tests := []struct {
		name    string
		payload string
	}{
		{name: "unknown type", payload: `{"type":"audio_chunk"}`},
		{name: "missing input format", payload: `{"type":"listening_start","turn_id":"t"}`},
		{name: "not json", payload: `hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)); err != nil {
				t.Fatalf("failed to write: %v", err)
			}
			msg, ok := readControl(t, conn).(*wire.ErrorMessage)
			if !ok || msg.Code != wire.CodeInvalidMessage {
				t.Errorf("expected invalid_message error, got %+v", msg)
			}
		})
	}
}

func TestHub_ReplacesDeviceConnection(t *testing.T) {
	hub, srv := setupTestHub(t, newBlockingRunner())

	first := dial(t, srv, "?device=device-9")
	waitForDevices(t, hub, 1)
	second := dial(t, srv, "?device=device-9")

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	sendJSON(t, second, wire.NewListeningStart("turn-1", pcm16k.String(), ""))
	expectAck(t, second, "turn-1")

	if devices := hub.ConnectedDevices(); len(devices) != 1 || devices[0] != "device-9" {
		t.Errorf("expected one connection for device-9, got %v", devices)
	}
}

func waitForDevices(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.ConnectedDevices()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connected devices, got %d", n, len(hub.ConnectedDevices()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_DisconnectCancelsTurn(t *testing.T) {
	runner := newBlockingRunner()
	hub, srv := setupTestHub(t, runner)
	conn := dial(t, srv, "")

	sendJSON(t, conn, wire.NewListeningStart("turn-1", pcm16k.String(), ""))
	expectAck(t, conn, "turn-1")
	<-runner.started

	conn.Close()

	waitForDevices(t, hub, 0)
	if runner.ended.Load() != 1 {
		t.Errorf("expected the turn to be cancelled, got %d ended", runner.ended.Load())
	}
}

type countingSessionRepo struct {
	repositories.SessionRepository
	mu     sync.Mutex
	sweeps int
}

func (r *countingSessionRepo) ExpireSessions(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return nil
}

func (r *countingSessionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps
}

func TestSessionCleanupService(t *testing.T) {
	repo := &countingSessionRepo{}
	s := NewSessionCleanupService(repo, 10*time.Millisecond, zap.NewNop())
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for repo.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated sweeps, got %d", repo.count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	after := repo.count()
	time.Sleep(30 * time.Millisecond)
	if repo.count() != after {
		t.Error("expected no sweep after Stop")
	}

	// Stop is idempotent.
	s.Stop()
}
