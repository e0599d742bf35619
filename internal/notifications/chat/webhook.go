package chat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pushpipe/internal/config"
	"pushpipe/internal/external"
	"pushpipe/internal/types"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac-sha256 of t.payload>".
const SignatureHeader = "X-PushPipe-Signature"

// WebhookPoster posts payloads to a configured webhook URL.
type WebhookPoster struct {
	url    string
	secret string
	client *external.Client
	now    func() time.Time
}

// NewWebhookPoster builds a poster from cfg. httpClient may be nil.
func NewWebhookPoster(cfg config.ChatConfig, httpClient *http.Client) *WebhookPoster {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookPoster{
		url:    cfg.WebhookURL.Reveal(),
		secret: cfg.SigningSecret.Reveal(),
		client: external.NewClient(httpClient, "chat-webhook", cfg.UserAgent,
			types.ErrCodeUpstreamChatUnavailable, external.DefaultBreakerSettings()),
		now: time.Now,
	}
}

func (p *WebhookPoster) Name() string { return "webhook" }

// Client exposes the breaker-guarded client for health reporting.
func (p *WebhookPoster) Client() *external.Client { return p.client }

// Post sends payload. The reference returned is the upstream X-Request-ID
// header when present, otherwise a generated ID.
func (p *WebhookPoster) Post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("chat webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, p.secret, p.now()))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if ref := resp.Header.Get("X-Request-ID"); ref != "" {
		return ref, nil
	}
	return "chat-" + uuid.NewString(), nil
}

// Sign computes the signature header value for payload at now.
func Sign(payload []byte, secret string, now time.Time) string {
	ts := now.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
