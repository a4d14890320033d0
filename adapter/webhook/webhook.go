// Package webhook implements the HTTP POST adapter for resolution
// notices.
//
// Each Deliver call is exactly one signed POST; retry scheduling,
// backoff, and dead-lettering are the delivery pump's responsibility.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crystalford/flyback/adapter"
	"github.com/crystalford/flyback/iox"
	"github.com/crystalford/flyback/types"
)

// Signature and schema-version headers added to every delivery.
const (
	SignatureHeader     = "x-flyback-signature"
	SchemaVersionHeader = "x-flyback-schema-version"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the webhook adapter.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Secret, when non-empty, enables the HMAC-SHA256 signature header.
	Secret string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 5s).
	Timeout time.Duration
}

// Adapter delivers resolution notices via HTTP POST.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a webhook adapter from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Adapter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Deliver POSTs the notice as JSON. Non-2xx responses come back as
// *adapter.StatusError so the pump can distinguish retriable failures.
func (a *Adapter) Deliver(ctx context.Context, notice adapter.ResolutionNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("webhook: marshal notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SchemaVersionHeader, types.SchemaVersion)
	if a.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(a.config.Secret, body))
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &adapter.StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
