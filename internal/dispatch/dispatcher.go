package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/batchsend/internal/config"
	"github.com/obsidianstack/batchsend/internal/records"
	"github.com/obsidianstack/batchsend/internal/sender"
	"github.com/obsidianstack/batchsend/internal/state"
)

// ErrInterrupted is returned (wrapped) when the run context is cancelled
// before every batch was visited.
var ErrInterrupted = errors.New("dispatch: interrupted")

// Summary is the outcome of one run.
type Summary struct {
	RunID string

	Records int
	Batches int
	// Start is the first batch index visited, after the checkpoint override.
	Start int

	Sent        int
	Failed      int
	Skipped     int
	RecordsSent int

	// FailedIndices lists the batches appended to the failure log this run.
	FailedIndices []int

	StartedAt   time.Time
	FinishedAt  time.Time
	Interrupted bool
}

// Duration is the wall time between the start and end of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

// Dispatcher sends batches one at a time, in index order.
type Dispatcher struct {
	cfg    *config.Config
	sender sender.Sender
	repo   state.Repository
	log    *slog.Logger

	delay atomic.Int64
	sleep sleepFunc // injectable for tests
	now   func() time.Time
}

// New returns a Dispatcher for cfg. The delay can later be changed with
// SetDelay, e.g. from a config watcher.
func New(cfg *config.Config, s sender.Sender, repo state.Repository) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		sender: s,
		repo:   repo,
		log:    slog.Default(),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	d.delay.Store(int64(cfg.Delay))
	return d
}

// SetDelay changes the pause used after subsequent batches. Safe to call
// concurrently with Run.
func (d *Dispatcher) SetDelay(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if old := time.Duration(d.delay.Swap(int64(delay))); old != delay {
		d.log.Info("dispatch: delay updated", "old", old, "new", delay)
	}
}

// Delay returns the current pause between batches.
func (d *Dispatcher) Delay() time.Duration {
	return time.Duration(d.delay.Load())
}

// Run loads the configured input file and dispatches it. Load errors are
// returned before anything is sent.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	d.log.Info("dispatch: reading input", "path", d.cfg.InputPath)
	items, err := records.Load(d.cfg.InputPath)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, items)
}

// Dispatch partitions items and delivers the batches from the start index.
//
// Per-batch delivery failures are logged and appended to the failure log;
// they never end the run. The returned error is non-nil only for state
// errors and for interruption, in which case the partial Summary is still
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, items []json.RawMessage) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Records:   len(items),
		StartedAt: d.now(),
	}
	log := d.log.With("run_id", sum.RunID)

	batches := records.Partition(items, d.cfg.BatchSize)
	sum.Batches = len(batches)
	log.Info("dispatch: partitioned input",
		"records", len(items),
		"batches", len(batches),
		"batch_size", d.cfg.BatchSize)

	start, err := d.resolveStart()
	if err != nil {
		return nil, err
	}
	sum.Start = start

	failures, err := d.repo.Failures()
	if err != nil {
		return nil, err
	}
	retries := make(map[int]struct{}, len(failures))
	for _, n := range failures {
		retries[n] = struct{}{}
	}
	// The retry set only restricts delivery in retry mode; outside it the
	// failure log is read but not consulted.
	retryOnly := d.cfg.RetryMode && len(retries) > 0
	if d.cfg.RetryMode && !retryOnly {
		log.Warn("dispatch: retry mode enabled but failure log is empty, sending every batch")
	}

	total := len(batches)
	for i := start; i < total; i++ {
		if ctx.Err() != nil {
			return d.interrupted(ctx, log, sum, i)
		}

		if retryOnly {
			if _, ok := retries[i]; !ok {
				log.Info("dispatch: skipping batch, retry mode", "batch", i+1, "index", i)
				sum.Skipped++
				continue
			}
		}

		if err := d.deliver(ctx, log, sum, sender.Batch{Index: i, Total: total, Records: batches[i]}); err != nil {
			return d.aborted(sum, err)
		}

		if d.cfg.Checkpoint {
			if err := d.repo.SetCheckpoint(i + 1); err != nil {
				return d.aborted(sum, err)
			}
		}

		if i < total-1 {
			delay := d.Delay()
			log.Info("dispatch: waiting before next batch", "delay", delay)
			if err := d.sleep(ctx, delay); err != nil {
				return d.interrupted(ctx, log, sum, i+1)
			}
		}
	}

	if d.cfg.Checkpoint {
		if err := d.repo.ClearCheckpoint(); err != nil {
			return d.aborted(sum, err)
		}
	}

	sum.FinishedAt = d.now()
	log.Info("dispatch: all batches processed",
		"sent", sum.Sent,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"duration", sum.Duration())
	return sum, nil
}

// deliver sends one batch and records its outcome. Only a failure to write
// the failure log is returned.
func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, sum *Summary, b sender.Batch) error {
	log.Info("dispatch: processing batch", "batch", b.Number(), "total", b.Total, "index", b.Index)

	// An interrupt lets the in-flight request finish; the request timeout
	// still bounds it.
	res, err := d.sender.Send(context.WithoutCancel(ctx), b)
	if err == nil {
		sum.Sent++
		sum.RecordsSent += len(b.Records)
		log.Info("dispatch: batch sent",
			"batch", b.Number(),
			"total", b.Total,
			"status", res.StatusCode,
			"took", res.Duration)
		return nil
	}

	attrs := []any{"batch", b.Number(), "total", b.Total, "index", b.Index, "err", err}
	var derr *sender.DeliveryError
	if errors.As(err, &derr) && derr.StatusCode != 0 {
		attrs = append(attrs, "status", derr.StatusCode, "response", derr.Body)
	}
	log.Error("dispatch: batch failed", attrs...)

	if err := d.repo.AppendFailure(b.Index); err != nil {
		return fmt.Errorf("dispatch: record failed batch %d: %w", b.Index, err)
	}
	sum.Failed++
	sum.FailedIndices = append(sum.FailedIndices, b.Index)
	return nil
}

// resolveStart applies the checkpoint override to the configured start.
func (d *Dispatcher) resolveStart() (int, error) {
	n, ok, err := d.repo.Checkpoint()
	if err != nil {
		return 0, err
	}
	if ok {
		if n != d.cfg.Start {
			d.log.Info("dispatch: resuming from checkpoint", "start", n, "configured_start", d.cfg.Start)
		}
		return n, nil
	}
	return d.cfg.Start, nil
}

// aborted stamps the end time on a run stopped by a state error.
func (d *Dispatcher) aborted(sum *Summary, err error) (*Summary, error) {
	sum.FinishedAt = d.now()
	return sum, err
}

func (d *Dispatcher) interrupted(ctx context.Context, log *slog.Logger, sum *Summary, next int) (*Summary, error) {
	sum.Interrupted = true
	sum.FinishedAt = d.now()
	log.Warn("dispatch: interrupted",
		"next_index", next,
		"sent", sum.Sent,
		"failed", sum.Failed,
		"skipped", sum.Skipped)
	return sum, fmt.Errorf("%w before batch index %d: %v", ErrInterrupted, next, context.Cause(ctx))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
