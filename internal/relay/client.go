// Package relay is the HTTP client for the remote directory/relay service:
// device bundle registration, prekey top-up, message relay and conversation
// summaries. The service itself is owned elsewhere; this client only speaks
// its JSON surface.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"campus-chat/go-e2ee/pkg/models"
)

var ErrRateLimited = errors.New("relay refresh rate limited")

type Client struct {
	base    string
	http    *http.Client
	refresh *rate.Limiter
}

// New builds a client for the given base URL. Refresh-style calls
// (conversations, friends, prekey top-up) share one limiter so foreground
// churn cannot hammer the directory.
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base:    base,
		http:    httpClient,
		refresh: rate.NewLimiter(rate.Every(2*time.Second), 4),
	}
}

func (c *Client) RegisterDevice(ctx context.Context, req models.RegisterDeviceRequest) error {
	return c.post(ctx, "/e2ee/devices/register", req, nil)
}

func (c *Client) TopUpPreKeys(ctx context.Context, req models.RegisterDeviceRequest) error {
	if !c.refresh.Allow() {
		return ErrRateLimited
	}
	return c.post(ctx, "/e2ee/devices/prekeys", req, nil)
}

func (c *Client) FetchDevices(ctx context.Context, userID string) ([]models.DeviceBundle, error) {
	var out models.DeviceDirectoryResponse
	if err := c.get(ctx, "/e2ee/devices/"+url.PathEscape(userID), &out); err != nil {
		return nil, err
	}
	// Validate at the deserialization boundary; nothing downstream rechecks.
	for _, bundle := range out.Devices {
		if err := bundle.Validate(); err != nil {
			return nil, fmt.Errorf("device %q: %w", bundle.DeviceID, err)
		}
	}
	return out.Devices, nil
}

func (c *Client) SendMessage(ctx context.Context, msg models.OutboundMessage) error {
	return c.post(ctx, "/e2ee/messages", msg, nil)
}

func (c *Client) FetchMessages(ctx context.Context, deviceID string) ([]models.InboundMessage, error) {
	var out []models.InboundMessage
	if err := c.get(ctx, "/e2ee/messages?deviceId="+url.QueryEscape(deviceID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	if !c.refresh.Allow() {
		return nil, ErrRateLimited
	}
	var out []models.ConversationSummary
	if err := c.get(ctx, "/e2ee/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Friends(ctx context.Context) ([]models.Friend, error) {
	if !c.refresh.Allow() {
		return nil, ErrRateLimited
	}
	var out []models.Friend
	if err := c.get(ctx, "/e2ee/friends", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay %s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
