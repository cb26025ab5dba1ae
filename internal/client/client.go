package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/netutils"
)

// Client talks to the controller API on behalf of one user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: netutils.BaseURL(baseURL), token: token, http: httpClient}
}

// APIError is a non-2xx controller response. It unwraps to the matching
// models error so callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusForbidden:
		return models.ErrForbidden
	case http.StatusBadRequest:
		return models.ErrInvalidOperation
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("unauthorized: check your token")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func gpuPath(uuid, action string) string {
	p := "/v1/gpus/" + url.PathEscape(uuid)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) Devices(ctx context.Context) ([]models.DeviceView, error) {
	var out []models.DeviceView
	if err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeviceGPUs(ctx context.Context, device string) ([]models.GPUView, error) {
	var out []models.GPUView
	if err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(device)+"/gpus", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GPU(ctx context.Context, uuid string) (*models.GPUView, error) {
	var out models.GPUView
	if err := c.do(ctx, http.MethodGet, gpuPath(uuid, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reserve(ctx context.Context, gpuUUID string) ([]models.Reservation, error) {
	var out []models.Reservation
	body := map[string]any{"gpu": gpuUUID}
	if err := c.do(ctx, http.MethodPost, "/v1/reservations", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReserveNextAvailable(ctx context.Context, device string) ([]models.Reservation, error) {
	var out []models.Reservation
	body := map[string]any{"device": device, "next_available_spot": true}
	if err := c.do(ctx, http.MethodPost, "/v1/reservations", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Done finishes the caller's usage and returns the reservation that took
// over, or nil.
func (c *Client) Done(ctx context.Context, gpuUUID string) (*models.Reservation, error) {
	var out struct {
		Promoted *models.Reservation `json:"promoted"`
	}
	if err := c.do(ctx, http.MethodPost, gpuPath(gpuUUID, "done"), nil, &out); err != nil {
		return nil, err
	}
	return out.Promoted, nil
}

func (c *Client) Cancel(ctx context.Context, gpuUUID string) (*models.Reservation, error) {
	var out models.Reservation
	if err := c.do(ctx, http.MethodPost, gpuPath(gpuUUID, "cancel"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Extend(ctx context.Context, gpuUUID string) (*models.Reservation, error) {
	var out models.Reservation
	if err := c.do(ctx, http.MethodPost, gpuPath(gpuUUID, "extend"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Events(ctx context.Context, gpuUUID string) ([]models.Event, error) {
	var out []models.Event
	if err := c.do(ctx, http.MethodGet, gpuPath(gpuUUID, "events"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Whoami(ctx context.Context) (*models.User, error) {
	var out models.User
	if err := c.do(ctx, http.MethodGet, "/v1/whoami", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
