package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BarkPusher sends notifications through a Bark server.
type BarkPusher struct {
	baseURL string
	group   string
	client  *http.Client
}

// NewBarkPusher creates a pusher for a Bark device URL such as
// https://api.day.app/<key>.
func NewBarkPusher(baseURL, group string) (*BarkPusher, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse bark url: %w", err)
	}
	if group == "" {
		group = "cronpilot"
	}
	return &BarkPusher{
		baseURL: baseURL,
		group:   group,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type barkMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group,omitempty"`
}

// Send posts the notification as a JSON document to the device URL.
func (b *BarkPusher) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(barkMessage{Title: title, Body: body, Group: b.group})
	if err != nil {
		return fmt.Errorf("encode bark message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
