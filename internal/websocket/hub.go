package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/internal/wire"
	"github.com/satriahrh/revvoice/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Uplink chunks buffered between the socket reader and the model.
	turnAudioBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices are not browsers; the bearer token is the gate.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

var (
	errConnectionClosed = errors.New("connection closed")
	errHubStopped       = errors.New("hub stopped")
)

var _ usecase.TurnIO = (*turn)(nil)

// TurnRunner relays one turn between a client and the live model
type TurnRunner interface {
	RunTurn(ctx context.Context, params usecase.TurnParams, tio usecase.TurnIO) error
}

// Hub maintains the set of connected devices, one connection per device.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	stopped chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	relay     TurnRunner
	validator *wire.MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(relay TurnRunner, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		relay:      relay,
		validator:  wire.NewMessageValidator(),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It disconnects every client when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				client.disconnect()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			h.logger.Info("Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.deviceID]; ok {
				old.disconnect()
				h.logger.Info("Replacing previous connection", zap.String("deviceID", client.deviceID))
			}
			h.clients[client.deviceID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.deviceID]; ok && current == client {
				delete(h.clients, client.deviceID)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("deviceID", client.deviceID))
		}
	}
}

// ConnectedDevices returns the IDs of the devices with an open connection
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Cancelled when either pump stops.
	ctx    context.Context
	cancel context.CancelFunc

	// Device ID for this client
	deviceID string

	logger *zap.Logger

	mu   sync.Mutex
	turn *turn
}

// HandleWebSocket upgrades an authenticated request and serves it until the
// connection closes.
func HandleWebSocket(hub *Hub, c echo.Context, deviceID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	// The request context ends with the handler; the connection outlives it.
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, 256),
		ctx:      ctx,
		cancel:   cancel,
		deviceID: deviceID,
		logger:   logger.With(zap.String("deviceID", deviceID)),
	}

	select {
	case hub.register <- client:
	case <-hub.stopped:
		cancel()
		conn.Close()
		return errHubStopped
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// disconnect closes the connection, which ends readPump.
func (c *Client) disconnect() {
	c.cancel()
	c.conn.Close()
}

// readPump pumps messages from the websocket connection to the current turn.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.abortTurn()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the send queue to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.disconnect()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// enqueue hands a message to writePump.
func (c *Client) enqueue(ctx context.Context, messageType int, payload []byte) error {
	select {
	case c.send <- WriteData{Type: messageType, Payload: payload}:
		return nil
	case <-ctx.Done():
		if c.ctx.Err() != nil {
			return errConnectionClosed
		}
		return ctx.Err()
	}
}

func (c *Client) sendError(turnID, code, message string) {
	if err := c.enqueue(c.ctx, websocket.TextMessage, wire.Encode(wire.NewErrorMessage(turnID, code, message))); err != nil {
		c.logger.Debug("Dropped error message", zap.String("code", code), zap.Error(err))
	}
}

// processMessage processes incoming control messages from the device
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.sendError("", wire.CodeInvalidMessage, err.Error())
		return
	}

	switch m := msg.(type) {
	case *wire.ListeningStartMessage:
		c.handleListeningStart(m)
	case *wire.ListeningEndMessage:
		c.handleListeningEnd(m)
	case *wire.InterruptMessage:
		c.logger.Info("Turn interrupted by client")
		c.abortTurn()
	}
}

// processBinaryAudioChunk forwards uplink audio to the current turn
func (c *Client) processBinaryAudioChunk(data []byte) {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()

	if t == nil || t.inputClosed {
		c.logger.Debug("Dropping audio outside of a turn", zap.Int("size", len(data)))
		return
	}
	t.pushAudio(data)
}

// handleListeningStart opens a turn. A turn still in progress is aborted first.
func (c *Client) handleListeningStart(msg *wire.ListeningStartMessage) {
	if c.abortTurn() {
		c.logger.Info("Previous turn aborted by a new listening_start")
	}

	input, err := entities.ParseAudioFormat(msg.InputFormat)
	if err != nil {
		c.sendError(msg.TurnID, wire.CodeInvalidMessage, err.Error())
		return
	}
	var output entities.AudioFormat
	if msg.OutputFormat != "" {
		if output, err = entities.ParseAudioFormat(msg.OutputFormat); err != nil {
			c.sendError(msg.TurnID, wire.CodeInvalidMessage, err.Error())
			return
		}
	}

	turnID := msg.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(c.ctx)
	t := &turn{
		id:     turnID,
		client: c,
		params: usecase.TurnParams{
			DeviceID:     c.deviceID,
			TurnID:       turnID,
			Transport:    usecase.TransportWebSocket,
			InputFormat:  input,
			OutputFormat: output,
		},
		audio:  make(chan []byte, turnAudioBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.turn = t
	c.mu.Unlock()

	go c.runTurn(t)
}

// handleListeningEnd closes the input side of the current turn
func (c *Client) handleListeningEnd(msg *wire.ListeningEndMessage) {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()

	if t == nil || (msg.TurnID != "" && msg.TurnID != t.id) {
		c.logger.Warn("listening_end for unknown turn", zap.String("turnID", msg.TurnID))
		return
	}
	t.closeInput()
}

// abortTurn cancels the current turn and waits for it to finish. It reports
// whether a turn was running.
func (c *Client) abortTurn() bool {
	c.mu.Lock()
	t := c.turn
	c.turn = nil
	c.mu.Unlock()

	if t == nil {
		return false
	}
	t.aborted.Store(true)
	t.cancel()
	<-t.done
	return true
}

func (c *Client) runTurn(t *turn) {
	defer close(t.done)
	defer t.cancel()

	err := c.hub.relay.RunTurn(t.ctx, t.params, t)

	c.mu.Lock()
	if c.turn == t {
		c.turn = nil
	}
	c.mu.Unlock()

	switch {
	case c.ctx.Err() != nil:
		// connection gone
	case err == nil, t.aborted.Load() && errors.Is(err, context.Canceled):
		if err := c.enqueue(c.ctx, websocket.TextMessage, wire.Encode(wire.NewSpeakingEnd(t.id))); err != nil {
			c.logger.Debug("Dropped speaking_end", zap.Error(err))
		}
	default:
		c.sendError(t.id, wire.ErrorCode(err), err.Error())
	}
}

// turn adapts one websocket turn to usecase.TurnIO.
type turn struct {
	id     string
	client *Client
	params usecase.TurnParams

	// audio is written and closed by readPump only.
	audio       chan []byte
	inputClosed bool

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	aborted atomic.Bool
}

func (t *turn) pushAudio(data []byte) {
	select {
	case t.audio <- data:
	case <-t.ctx.Done():
	}
}

func (t *turn) closeInput() {
	if !t.inputClosed {
		t.inputClosed = true
		close(t.audio)
	}
}

func (t *turn) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-t.audio:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

// Begin acknowledges the turn and announces the answer format.
func (t *turn) Begin(session *entities.Session, format entities.AudioFormat) error {
	ack := wire.NewListeningStart(t.id, t.params.InputFormat.String(), format.String())
	ack.SessionID = session.ID
	if err := t.client.enqueue(t.ctx, websocket.TextMessage, wire.Encode(ack)); err != nil {
		return err
	}
	return t.client.enqueue(t.ctx, websocket.TextMessage, wire.Encode(wire.NewSpeakingStart(t.id, format.String())))
}

func (t *turn) WriteFrame(frame entities.StreamFrame) error {
	switch frame.Kind {
	case entities.FrameAudio:
		return t.client.enqueue(t.ctx, websocket.BinaryMessage, frame.Data)
	case entities.FrameTranscript:
		return t.client.enqueue(t.ctx, websocket.TextMessage, wire.Encode(wire.NewTranscription(t.id, frame.Transcript)))
	case entities.FrameInterrupted:
		return t.client.enqueue(t.ctx, websocket.TextMessage, wire.Encode(wire.NewInterrupted(t.id)))
	}
	return nil
}
