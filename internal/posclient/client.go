// Package posclient delivers prepared order payloads to the external POS.
// It classifies every outcome and never retries on its own: retry policy
// belongs to the orchestrator so that each attempt is observable and
// journaled.
package posclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/feastly/possync/internal/domain/credential"
)

// DefaultTimeout bounds a single delivery call.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of the POS response is read.
const maxResponseBytes = 1 << 20

// ResultKind classifies a delivery outcome.
type ResultKind int

const (
	// Success means the POS acknowledged the order.
	Success ResultKind = iota
	// RetryableFailure covers transport errors, 5xx and rate limiting.
	RetryableFailure
	// PermanentFailure covers validation rejections; retrying the same
	// payload cannot help.
	PermanentFailure
)

// Result is the classified outcome of one delivery.
type Result struct {
	Kind        ResultKind
	ExternalRef string
	StatusCode  int
	Reason      string
}

// Deliverer pushes one payload to the POS.
type Deliverer interface {
	Deliver(ctx context.Context, body []byte, creds *credential.Credentials) Result
}

// Config holds the client's connection settings.
type Config struct {
	// BaseURL of the POS API, e.g. https://pos.example.com/api/v1.
	BaseURL string
	// Timeout for a single call; DefaultTimeout when zero.
	Timeout time.Duration
}

// Client is the HTTP POS client. Signing strategy is chosen per call from
// the restaurant's credential mode.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client with an otel-instrumented transport.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// saveOrderResponse is the POS acknowledgment envelope. success is the
// string "1" on acceptance, anything else on rejection.
type saveOrderResponse struct {
	Success string `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"orderID"`
}

// Deliver posts the payload to the save_order endpoint and classifies the
// outcome. It performs exactly one HTTP call.
func (c *Client) Deliver(ctx context.Context, body []byte, creds *credential.Credentials) Result {
	signer, err := SignerFor(creds.Mode)
	if err != nil {
		return Result{Kind: PermanentFailure, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/save_order", bytes.NewReader(body))
	if err != nil {
		return Result{Kind: PermanentFailure, Reason: errors.Wrap(err, "build request").Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	if err := signer.Sign(req, body, creds); err != nil {
		return Result{Kind: PermanentFailure, Reason: errors.Wrap(err, "sign request").Error()}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth another attempt.
		return Result{Kind: RetryableFailure, Reason: errors.Wrap(err, "deliver").Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Kind: RetryableFailure, StatusCode: resp.StatusCode, Reason: errors.Wrap(err, "read response").Error()}
	}

	return classify(resp.StatusCode, respBody)
}

func classify(status int, body []byte) Result {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return Result{
			Kind:       RetryableFailure,
			StatusCode: status,
			Reason:     fmt.Sprintf("pos returned %d: %s", status, truncate(body, 256)),
		}
	case status >= 400:
		return Result{
			Kind:       PermanentFailure,
			StatusCode: status,
			Reason:     fmt.Sprintf("pos rejected request with %d: %s", status, truncate(body, 256)),
		}
	}

	var ack saveOrderResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return Result{Kind: RetryableFailure, StatusCode: status, Reason: "unparseable pos response"}
	}
	if ack.Success != "1" {
		// The POS answered 200 but declined the order.
		return Result{Kind: PermanentFailure, StatusCode: status, Reason: ack.Message}
	}
	return Result{Kind: Success, StatusCode: status, ExternalRef: ack.OrderID}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
