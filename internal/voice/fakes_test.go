package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satriahrh/revvoice/domain"
	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
)

var (
	pcm16k = entities.MustParseAudioFormat("audio/pcm;rate=16000")
	pcm24k = entities.MustParseAudioFormat("audio/pcm;rate=24000")
)

// eventLog records device events across fakes so tests can check ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) lastIndex(event string) int {
	events := l.snapshot()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i] == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) firstIndex(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// fakeInput is a capture device whose audio is pushed by the test.
type fakeInput struct {
	mu        sync.Mutex
	supported map[string]bool
	openErr   error
	streams   []*fakeStream
	events    *eventLog
}

func newFakeInput(events *eventLog) *fakeInput {
	return &fakeInput{events: events}
}

func (f *fakeInput) Supports(format entities.AudioFormat) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.supported == nil {
		return format.Encoding == entities.EncodingPCM
	}
	return f.supported[format.String()]
}

func (f *fakeInput) Open(ctx context.Context, format entities.AudioFormat) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeStream{
		feed:   make(chan []byte, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
		events: f.events,
	}
	f.streams = append(f.streams, s)
	f.events.add("input-open")
	return s, nil
}

func (f *fakeInput) stream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func (f *fakeInput) allClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if !s.isClosed() {
			return false
		}
	}
	return true
}

type fakeStream struct {
	feed      chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
	reads     atomic.Int32
	events    *eventLog
}

func (s *fakeStream) push(data []byte) {
	s.feed <- data
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case data := <-s.feed:
		s.reads.Add(1)
		return copy(p, data), nil
	case err := <-s.fail:
		return 0, err
	case <-s.closed:
		return 0, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.events.add("input-close")
	})
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeOutput hands out renderers that record appended audio.
type fakeOutput struct {
	mu        sync.Mutex
	openErr   error
	appendErr error
	reject    func([]byte) bool
	gate      chan struct{}
	renderers []*fakeRenderer
	events    *eventLog

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeOutput(events *eventLog) *fakeOutput {
	return &fakeOutput{events: events}
}

func (f *fakeOutput) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeOutput) Open(ctx context.Context, format entities.AudioFormat) (repositories.Renderer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	r := &fakeRenderer{out: f, closed: make(chan struct{})}
	f.renderers = append(f.renderers, r)
	f.events.add("output-open")
	return r, nil
}

func (f *fakeOutput) renderer(i int) *fakeRenderer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.renderers) {
		return nil
	}
	return f.renderers[i]
}

func (f *fakeOutput) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renderers)
}

func (f *fakeOutput) allClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.renderers {
		if !r.isClosed() {
			return false
		}
	}
	return true
}

type fakeRenderer struct {
	out       *fakeOutput
	mu        sync.Mutex
	appended  [][]byte
	drained   bool
	closed    chan struct{}
	closeOnce sync.Once
}

var errRendererClosed = errors.New("renderer closed")

func (r *fakeRenderer) Append(ctx context.Context, data []byte) error {
	n := r.out.inFlight.Add(1)
	defer r.out.inFlight.Add(-1)
	for {
		peak := r.out.maxInFlight.Load()
		if n <= peak || r.out.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	r.out.mu.Lock()
	gate, reject, appendErr := r.out.gate, r.out.reject, r.out.appendErr
	r.out.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.closed:
			return errRendererClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.isClosed() {
		return errRendererClosed
	}
	if appendErr != nil {
		return appendErr
	}
	if reject != nil && reject(data) {
		return fmt.Errorf("%w: bad packet", domain.ErrDecodeRejected)
	}

	r.mu.Lock()
	r.appended = append(r.appended, data)
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) Drain(ctx context.Context) error {
	if r.isClosed() {
		return errRendererClosed
	}
	r.mu.Lock()
	r.drained = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.out.events.add("output-close")
	})
	return nil
}

func (r *fakeRenderer) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *fakeRenderer) data() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.appended...)
}

func (r *fakeRenderer) wasDrained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drained
}

// fakeRelay answers every turn with a scripted response.
type fakeRelay struct {
	mu       sync.Mutex
	openErr  error
	sendErr  error
	frames   []entities.StreamFrame
	finalErr error
	// respondAfterInput delays the response until the uplink is closed.
	respondAfterInput bool
	// sharedConn makes both halves of a stream one connection: closing the
	// downlink breaks the uplink.
	sharedConn bool

	requests  []repositories.TurnRequest
	uplinks   []*fakeUplink
	downlinks []*fakeDownlink
	payloads [][]byte
}

func (f *fakeRelay) OpenStream(ctx context.Context, req repositories.TurnRequest) (repositories.Uplink, repositories.Downlink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	up := &fakeUplink{sendErr: f.sendErr, closed: make(chan struct{})}
	down := newFakeDownlink(f.frames, f.finalErr)
	if f.respondAfterInput {
		down.wait = up.closed
	}
	if f.sharedConn {
		up.conn = down.closed
	}
	f.requests = append(f.requests, req)
	f.uplinks = append(f.uplinks, up)
	f.downlinks = append(f.downlinks, down)
	return up, down, nil
}

func (f *fakeRelay) SendBuffered(ctx context.Context, req repositories.TurnRequest, payload []byte) (repositories.Downlink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.requests = append(f.requests, req)
	f.payloads = append(f.payloads, payload)
	return newFakeDownlink(f.frames, f.finalErr), nil
}

func (f *fakeRelay) downlink(i int) *fakeDownlink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.downlinks) {
		return nil
	}
	return f.downlinks[i]
}

func (f *fakeRelay) uplink(i int) *fakeUplink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.uplinks) {
		return nil
	}
	return f.uplinks[i]
}

type fakeUplink struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	closed    chan struct{}
	closeOnce sync.Once
	// conn, when set, is closed together with the downlink.
	conn <-chan struct{}
}

var errConnClosed = errors.New("use of closed network connection")

func (u *fakeUplink) connClosed() bool {
	if u.conn == nil {
		return false
	}
	select {
	case <-u.conn:
		return true
	default:
		return false
	}
}

func (u *fakeUplink) Send(ctx context.Context, data []byte) error {
	if u.sendErr != nil {
		return u.sendErr
	}
	if u.connClosed() {
		return errConnClosed
	}
	u.mu.Lock()
	u.sent = append(u.sent, data)
	u.mu.Unlock()
	return nil
}

func (u *fakeUplink) CloseSend() error {
	if u.connClosed() {
		return errConnClosed
	}
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUplink) data() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	var all []byte
	for _, d := range u.sent {
		all = append(all, d...)
	}
	return all
}

func (u *fakeUplink) isClosed() bool {
	select {
	case <-u.closed:
		return true
	default:
		return false
	}
}

type fakeDownlink struct {
	mu        sync.Mutex
	frames    []entities.StreamFrame
	finalErr  error
	wait      <-chan struct{}
	pos       int
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeDownlink(frames []entities.StreamFrame, finalErr error) *fakeDownlink {
	return &fakeDownlink{frames: frames, finalErr: finalErr, closed: make(chan struct{})}
}

func (d *fakeDownlink) Next(ctx context.Context) (entities.StreamFrame, error) {
	if d.wait != nil {
		select {
		case <-d.wait:
		case <-ctx.Done():
			return entities.StreamFrame{}, ctx.Err()
		case <-d.closed:
			return entities.StreamFrame{}, errors.New("downlink closed")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos < len(d.frames) {
		frame := d.frames[d.pos]
		d.pos++
		return frame, nil
	}
	if d.finalErr != nil {
		return entities.StreamFrame{}, d.finalErr
	}
	return entities.StreamFrame{}, io.EOF
}

func (d *fakeDownlink) Close() error {
	d.closes.Add(1)
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// fakeAssistant answers with a fixed text and speaks the scripted frames.
type fakeAssistant struct {
	mu       sync.Mutex
	result   repositories.ConverseResult
	err      error
	frames   []entities.StreamFrame
	requests []repositories.ConverseRequest
	spoken   []string
}

func (f *fakeAssistant) Converse(ctx context.Context, req repositories.ConverseRequest) (repositories.ConverseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return repositories.ConverseResult{}, f.err
	}
	result := f.result
	result.History = append(append([]string(nil), req.History...),
		entities.FormatHistoryEntry(entities.MessageRoleUser, result.Transcript),
		entities.FormatHistoryEntry(entities.MessageRoleAssistant, result.Text))
	return result, nil
}

func (f *fakeAssistant) Speak(ctx context.Context, text string, format entities.AudioFormat) (repositories.Downlink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return newFakeDownlink(f.frames, nil), nil
}

// recordingSink is a Sink that records calls.
type recordingSink struct {
	mu          sync.Mutex
	chunks      []entities.AudioChunk
	interrupts  int
	closeInputs int
	enqueueErr  error
}

func (s *recordingSink) Enqueue(chunk entities.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) Interrupt() {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
}

func (s *recordingSink) CloseInput() {
	s.mu.Lock()
	s.closeInputs++
	s.mu.Unlock()
}
