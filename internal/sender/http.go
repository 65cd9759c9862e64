package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxErrorBody = 4 << 10

// HTTP POSTs each batch as a JSON array to a fixed endpoint.
type HTTP struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// authRoundTripper sets the Authorization header on every outgoing request.
// The token is used verbatim, so callers include any scheme prefix.
type authRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", t.token)
	return t.base.RoundTrip(req)
}

// NewHTTP returns an HTTP sender. timeout bounds each request including
// reading the response.
func NewHTTP(endpoint, token string, timeout time.Duration) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		timeout:  timeout,
		client: &http.Client{
			// A 3xx is returned as is and counts as a failed delivery.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &authRoundTripper{
				base:  http.DefaultTransport.(*http.Transport).Clone(),
				token: token,
			},
		},
	}
}

// Send posts b. A 2xx response is success; anything else, including a
// transport error or timeout, is a *DeliveryError.
func (h *HTTP) Send(ctx context.Context, b Batch) (Result, error) {
	body, err := json.Marshal(b.Records)
	if err != nil {
		return Result{}, &DeliveryError{Index: b.Index, Err: fmt.Errorf("encode batch: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &DeliveryError{Index: b.Index, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, &DeliveryError{Index: b.Index, Err: fmt.Errorf("http post: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, &DeliveryError{
			Index:      b.Index,
			StatusCode: resp.StatusCode,
			Body:       string(msg),
		}
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	return Result{StatusCode: resp.StatusCode, Duration: time.Since(start)}, nil
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
