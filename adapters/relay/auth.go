package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/satriahrh/revvoice/internal/wire"
)

// Authenticate exchanges device credentials for a JWT. client may be nil.
func Authenticate(ctx context.Context, client *http.Client, baseURL, serialNumber, secretKey string) (*wire.DeviceAuthResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(wire.DeviceAuthRequest{SerialNumber: serialNumber, SecretKey: secretKey})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+wire.PathDeviceAuth, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate device: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var auth wire.DeviceAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	return &auth, nil
}
