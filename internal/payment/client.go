package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/observability"
)

// Client talks to the gateway's JSON API:
//
//	POST {base}/v1/intents           create intent
//	GET  {base}/v1/intents/{id}      poll status
//	POST {base}/v1/transfers         execute transfer (Idempotency-Key header)
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	metrics *observability.Metrics
}

func NewClient(baseURL, apiKey string, timeout time.Duration, metrics *observability.Metrics) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

type createIntentRequest struct {
	IntentSpec
	ExpiresInSeconds int64 `json:"expires_in_seconds,omitempty"`
}

func (c *Client) CreateIntent(ctx context.Context, spec IntentSpec) (Intent, error) {
	var out Intent
	body := createIntentRequest{IntentSpec: spec, ExpiresInSeconds: int64(spec.ExpiresIn.Seconds())}
	if err := c.do(ctx, "gateway", http.MethodPost, "/v1/intents", "", body, &out); err != nil {
		return Intent{}, err
	}
	if out.ID == "" {
		return Intent{}, apperr.Dependency("gateway", fmt.Errorf("create intent: empty intent id"))
	}
	return out, nil
}

func (c *Client) PollStatus(ctx context.Context, intentID string) (Status, error) {
	var out Status
	if err := c.do(ctx, "gateway", http.MethodGet, "/v1/intents/"+url.PathEscape(intentID), "", nil, &out); err != nil {
		return Status{}, err
	}
	out.IntentID = intentID
	return out, nil
}

type transferResponse struct {
	TxRef string `json:"tx_ref"`
}

func (c *Client) Transfer(ctx context.Context, t Transfer) (string, error) {
	var out transferResponse
	if err := c.do(ctx, "executor", http.MethodPost, "/v1/transfers", t.IdempotencyKey, t, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

func (c *Client) do(ctx context.Context, service, method, path, idemKey string, in, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, idemKey, in, out)
	if c.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.ExternalCalls.WithLabelValues(service, result).Inc()
		c.metrics.ExternalDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return apperr.Dependency(service, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, idemKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ErrBadSignature rejects webhooks whose HMAC does not verify.
var ErrBadSignature = apperr.New(apperr.KindValidation, "bad_signature", "webhook signature mismatch")

// ParseWebhook verifies the hex HMAC-SHA256 of body under secret and
// decodes the status it carries. An empty secret skips verification.
func ParseWebhook(body []byte, signature, secret string) (Status, error) {
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
			return Status{}, ErrBadSignature
		}
	}
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, apperr.Validation("bad_webhook", "decode webhook: %v", err)
	}
	if st.IntentID == "" {
		return Status{}, apperr.Validation("bad_webhook", "webhook missing intent_id")
	}
	return st, nil
}

// Sign computes the webhook signature for body; used by tests and by
// relays that re-publish webhooks.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
