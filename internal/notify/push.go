package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPush posts offers to an external push gateway (FCM-style HTTP endpoint).
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPush) Send(ctx context.Context, providerID string, payload []byte) error {
	body, _ := json.Marshal(map[string]any{
		"recipient": providerID,
		"data":      json.RawMessage(payload),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// FallbackTransport tries the provider's live socket first and falls back to
// the push gateway when no session is connected.
type FallbackTransport struct {
	WS   *WSRegistry
	Push *HTTPPush
}

func (t *FallbackTransport) Send(ctx context.Context, providerID string, payload []byte) error {
	if t.WS != nil {
		if err := t.WS.Send(ctx, providerID, payload); err == nil {
			return nil
		}
	}
	if t.Push == nil || t.Push.Endpoint == "" {
		return ErrNoSession
	}
	return t.Push.Send(ctx, providerID, payload)
}
