package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obsidianstack/batchsend/internal/config"
)

// Batch is one request's worth of records and its position in the run.
type Batch struct {
	Index   int
	Total   int
	Records []json.RawMessage
}

// Number is the 1-based position used in operator-facing logs.
func (b Batch) Number() int { return b.Index + 1 }

// Result describes a successful delivery.
type Result struct {
	// StatusCode is the HTTP status, or 0 for transports without one.
	StatusCode int
	Duration   time.Duration
}

// Sender delivers one batch. A non-nil error is always a *DeliveryError.
type Sender interface {
	Send(ctx context.Context, b Batch) (Result, error)
	Close() error
}

// DeliveryError reports a batch that was not accepted by the destination:
// either a non-2xx response or a transport failure.
type DeliveryError struct {
	Index      int
	StatusCode int
	// Body is a bounded prefix of the response body, for diagnostics.
	Body string
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sender: batch %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("sender: batch %d: HTTP error status %d", e.Index, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// New returns the Sender for cfg.Transport.
func New(cfg *config.Config) (Sender, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		return NewHTTP(cfg.Endpoint, cfg.Token, cfg.RequestTimeout), nil
	case config.TransportKafka:
		return NewKafka(cfg.Kafka, cfg.Token, cfg.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("sender: unsupported transport %q", cfg.Transport)
	}
}
