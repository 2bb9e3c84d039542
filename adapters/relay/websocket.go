package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the server to acknowledge a turn.
	ackWait = 10 * time.Second

	// Largest binary message sent in buffered mode.
	maxUplinkMessage = 64 * 1024

	// Frames buffered between the socket reader and Next.
	downlinkBuffer = 64
)

var _ repositories.Relay = (*WebSocketRelay)(nil)

var errStreamClosed = errors.New("stream closed")

// WebSocketRelay opens one websocket connection per turn
type WebSocketRelay struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketRelay creates a relay for a server base URL such as http://localhost:8080.
func NewWebSocketRelay(baseURL, token string, logger *zap.Logger) *WebSocketRelay {
	url := strings.TrimRight(baseURL, "/") + wire.PathWebSocket
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)

	return &WebSocketRelay{
		url:   url,
		token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// OpenStream dials the server and opens a turn.
func (r *WebSocketRelay) OpenStream(ctx context.Context, req repositories.TurnRequest) (repositories.Uplink, repositories.Downlink, error) {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w (status %d)", r.url, err, resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", r.url, err)
	}

	s := &wsStream{
		conn:   conn,
		turnID: req.TurnID,
		frames: make(chan entities.StreamFrame, downlinkBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		logger: r.logger.With(zap.String("turnID", req.TurnID)),
	}

	start := wire.NewListeningStart(req.TurnID, req.InputFormat.String(), req.OutputFormat.String())
	if err := s.writeMessage(websocket.TextMessage, wire.Encode(start)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to start turn: %w", err)
	}

	if err := s.awaitAck(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}

	go s.readPump()

	return s, s, nil
}

// SendBuffered opens a turn, sends the whole payload and ends the input.
func (r *WebSocketRelay) SendBuffered(ctx context.Context, req repositories.TurnRequest, payload []byte) (repositories.Downlink, error) {
	up, down, err := r.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}

	for len(payload) > 0 {
		n := min(len(payload), maxUplinkMessage)
		if err := up.Send(ctx, payload[:n]); err != nil {
			down.Close()
			return nil, err
		}
		payload = payload[n:]
	}
	if err := up.CloseSend(); err != nil {
		down.Close()
		return nil, err
	}
	return down, nil
}

// wsStream is both halves of a websocket turn.
type wsStream struct {
	conn   *websocket.Conn
	turnID string
	logger *zap.Logger

	writeMu sync.Mutex

	frames  chan entities.StreamFrame
	done    chan struct{} // closed by readPump after the last frame
	readErr error         // valid after done is closed

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *wsStream) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// awaitAck reads until the server acknowledges the turn or rejects it.
func (s *wsStream) awaitAck(ctx context.Context) error {
	deadline := time.Now().Add(ackWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read turn acknowledgement: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := wire.DecodeServerMessage(data)
		if err != nil {
			s.logger.Warn("Ignoring invalid server message", zap.Error(err))
			continue
		}
		switch m := msg.(type) {
		case *wire.ListeningStartMessage:
			s.logger.Debug("Turn acknowledged", zap.String("sessionID", m.SessionID))
			return nil
		case *wire.ErrorMessage:
			return fmt.Errorf("turn rejected: %w", m)
		}
	}
}

// readPump turns server messages into frames until the turn ends.
func (s *wsStream) readPump() {
	defer close(s.done)
	defer close(s.frames)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = fmt.Errorf("connection lost: %w", err)
			return
		}

		if messageType == websocket.BinaryMessage {
			if !s.push(entities.AudioFrame(data)) {
				return
			}
			continue
		}

		msg, err := wire.DecodeServerMessage(data)
		if err != nil {
			s.logger.Warn("Ignoring invalid server message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *wire.SpeakingStartMessage:
			s.logger.Debug("Speaking started", zap.String("format", m.Format))
		case *wire.TranscriptionMessage:
			if !s.push(entities.TranscriptFrame(m.Role, m.Text, m.Finished)) {
				return
			}
		case *wire.InterruptedMessage:
			if !s.push(entities.StreamFrame{Kind: entities.FrameInterrupted}) {
				return
			}
		case *wire.SpeakingEndMessage:
			s.readErr = io.EOF
			return
		case *wire.ErrorMessage:
			s.readErr = m
			return
		}
	}
}

// push hands a frame to Next. It gives up once the stream is closed.
func (s *wsStream) push(frame entities.StreamFrame) bool {
	select {
	case s.frames <- frame:
		return true
	case <-s.closed:
		s.readErr = errStreamClosed
		return false
	}
}

// Send writes one uplink chunk. Once the server has completed the turn the
// remaining input has no listener and is dropped.
func (s *wsStream) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.completed() {
		return nil
	}
	return s.writeMessage(websocket.BinaryMessage, data)
}

func (s *wsStream) CloseSend() error {
	if s.completed() {
		return nil
	}
	return s.writeMessage(websocket.TextMessage, wire.Encode(wire.NewListeningEnd(s.turnID)))
}

// completed reports whether the server ended the turn with speaking_end.
func (s *wsStream) completed() bool {
	select {
	case <-s.done:
		return errors.Is(s.readErr, io.EOF)
	default:
		return false
	}
}

func (s *wsStream) Next(ctx context.Context) (entities.StreamFrame, error) {
	select {
	case <-ctx.Done():
		return entities.StreamFrame{}, ctx.Err()
	case frame, ok := <-s.frames:
		if ok {
			return frame, nil
		}
		<-s.done
		return entities.StreamFrame{}, s.readErr
	}
}

// Close ends the turn. A turn closed before speaking_end is abandoned on the server.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
