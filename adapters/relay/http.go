package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/revvoice/domain/entities"
	"github.com/satriahrh/revvoice/domain/repositories"
	"github.com/satriahrh/revvoice/internal/wire"
)

var (
	_ repositories.Relay     = (*HTTPRelay)(nil)
	_ repositories.Assistant = (*HTTPRelay)(nil)
)

// HTTPRelay streams turns over chunked HTTP requests and serves the
// turn-based text pipeline
type HTTPRelay struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPRelay creates a relay for a server base URL such as http://localhost:8080.
// client may be nil.
func NewHTTPRelay(baseURL, token string, client *http.Client, logger *zap.Logger) *HTTPRelay {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRelay{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
	}
}

func (r *HTTPRelay) newRequest(ctx context.Context, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return req, nil
}

func (r *HTTPRelay) turnRequest(ctx context.Context, turn repositories.TurnRequest, body io.Reader) (*http.Request, error) {
	req, err := r.newRequest(ctx, wire.PathLive, turn.InputFormat.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(wire.HeaderTurnID, turn.TurnID)
	if !turn.OutputFormat.IsZero() {
		req.Header.Set(wire.HeaderOutputFormat, turn.OutputFormat.String())
	}
	return req, nil
}

// OpenStream starts a full duplex request: audio is written to the request
// body while the framed response is read.
func (r *HTTPRelay) OpenStream(ctx context.Context, turn repositories.TurnRequest) (repositories.Uplink, repositories.Downlink, error) {
	pr, pw := io.Pipe()

	req, err := r.turnRequest(ctx, turn, pr)
	if err != nil {
		return nil, nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		pw.CloseWithError(err)
		return nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		pw.CloseWithError(err)
		return nil, nil, err
	}

	down := newHTTPDownlink(resp)
	down.pw = pw
	return &pipeUplink{pw: pw, down: down}, down, nil
}

// SendBuffered posts one complete payload.
func (r *HTTPRelay) SendBuffered(ctx context.Context, turn repositories.TurnRequest, payload []byte) (repositories.Downlink, error) {
	req, err := r.turnRequest(ctx, turn, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send audio: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return newHTTPDownlink(resp), nil
}

// Converse posts a recorded question and returns the answer with the extended history.
func (r *HTTPRelay) Converse(ctx context.Context, in repositories.ConverseRequest) (repositories.ConverseResult, error) {
	body, err := json.Marshal(wire.ConverseRequest{
		Audio:    in.Audio,
		MIMEType: in.MIMEType,
		History:  in.History,
	})
	if err != nil {
		return repositories.ConverseResult{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := r.newRequest(ctx, wire.PathConverse, "application/json", bytes.NewReader(body))
	if err != nil {
		return repositories.ConverseResult{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return repositories.ConverseResult{}, fmt.Errorf("failed to converse: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return repositories.ConverseResult{}, err
	}

	var result repositories.ConverseResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return repositories.ConverseResult{}, fmt.Errorf("failed to decode converse response: %w", err)
	}
	return result, nil
}

// Speak asks the server to synthesize text and returns the framed audio stream.
func (r *HTTPRelay) Speak(ctx context.Context, text string, format entities.AudioFormat) (repositories.Downlink, error) {
	body, err := json.Marshal(wire.TTSRequest{Text: text, Format: format.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := r.newRequest(ctx, wire.PathTTS, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request speech: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return newHTTPDownlink(resp), nil
}

// checkResponse turns a non-200 response into an error and closes its body.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	defer resp.Body.Close()

	var body wire.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if body.Message != "" {
		return fmt.Errorf("server returned %s: %s: %s", resp.Status, body.Error, body.Message)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, body.Error)
}

// pipeUplink writes audio into the streamed request body. After the response
// ended the server no longer reads the body, so further audio is dropped.
type pipeUplink struct {
	pw   *io.PipeWriter
	down *httpDownlink
}

func (u *pipeUplink) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.down.completed() {
		return nil
	}
	if _, err := u.pw.Write(data); err != nil {
		if u.down.completed() {
			return nil
		}
		return fmt.Errorf("failed to write request body: %w", err)
	}
	return nil
}

func (u *pipeUplink) CloseSend() error {
	return u.pw.Close()
}

// httpDownlink reads frames from a streamed response body.
type httpDownlink struct {
	body   io.ReadCloser
	reader *wire.FrameReader
	// pw is the request body of a full duplex turn, nil otherwise.
	pw *io.PipeWriter

	ended     chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
}

func newHTTPDownlink(resp *http.Response) *httpDownlink {
	return &httpDownlink{
		body:   resp.Body,
		reader: wire.NewFrameReader(resp.Body),
		ended:  make(chan struct{}),
	}
}

// completed reports whether the end frame was read.
func (d *httpDownlink) completed() bool {
	select {
	case <-d.ended:
		return true
	default:
		return false
	}
}

func (d *httpDownlink) Next(ctx context.Context) (entities.StreamFrame, error) {
	stop := context.AfterFunc(ctx, func() { d.Close() })
	defer stop()

	frame, err := d.reader.Next()
	if errors.Is(err, io.EOF) {
		d.endOnce.Do(func() { close(d.ended) })
		return entities.StreamFrame{}, io.EOF
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return entities.StreamFrame{}, ctxErr
		}
		return entities.StreamFrame{}, err
	}
	return frame, nil
}

func (d *httpDownlink) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.pw != nil {
			d.pw.CloseWithError(errStreamClosed)
		}
		err = d.body.Close()
	})
	return err
}
