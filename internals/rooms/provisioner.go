package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provisioner is the external video-room service. Failures here abort the
// match attempt for that candidate pair only.
type Provisioner interface {
	CreateRoom(ctx context.Context, name string) error
	DeleteRoom(ctx context.Context, name string) error
	RoomOccupants(ctx context.Context, name string) ([]string, error)
}

// HTTPProvisioner talks to the room provider's REST API.
type HTTPProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPProvisioner(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *HTTPProvisioner) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return p.client.Do(req)
}

func (p *HTTPProvisioner) CreateRoom(ctx context.Context, name string) error {
	resp, err := p.do(ctx, http.MethodPost, "/rooms", map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("create room %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("create room %s: provider returned %d", name, resp.StatusCode)
	}
	p.logger.Debug("Room created", zap.String("room_name", name))
	return nil
}

func (p *HTTPProvisioner) DeleteRoom(ctx context.Context, name string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/rooms/"+name, nil)
	if err != nil {
		return fmt.Errorf("delete room %s: %w", name, err)
	}
	defer resp.Body.Close()

	// A room the provider no longer knows about is already deleted.
	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("delete room %s: provider returned %d", name, resp.StatusCode)
	}
	p.logger.Debug("Room deleted", zap.String("room_name", name))
	return nil
}

func (p *HTTPProvisioner) RoomOccupants(ctx context.Context, name string) ([]string, error) {
	resp, err := p.do(ctx, http.MethodGet, "/rooms/"+name+"/participants", nil)
	if err != nil {
		return nil, fmt.Errorf("room occupants %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("room occupants %s: provider returned %d", name, resp.StatusCode)
	}

	var payload struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("room occupants %s: %w", name, err)
	}
	return payload.UserIDs, nil
}

// NoopProvisioner is used when no provider is configured (local development,
// tests). Rooms exist in name only.
type NoopProvisioner struct{}

func (NoopProvisioner) CreateRoom(ctx context.Context, name string) error { return nil }
func (NoopProvisioner) DeleteRoom(ctx context.Context, name string) error { return nil }
func (NoopProvisioner) RoomOccupants(ctx context.Context, name string) ([]string, error) {
	return nil, nil
}
