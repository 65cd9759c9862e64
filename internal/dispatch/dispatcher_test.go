package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/batchsend/internal/config"
	"github.com/obsidianstack/batchsend/internal/records"
	"github.com/obsidianstack/batchsend/internal/sender"
	"github.com/obsidianstack/batchsend/internal/state"
)

// fakeSender records every batch it receives and fails the indices in fail.
type fakeSender struct {
	mu     sync.Mutex
	sent   []sender.Batch
	at     []time.Time
	fail   map[int]bool
	onSend func(b sender.Batch)
}

func (f *fakeSender) Send(_ context.Context, b sender.Batch) (sender.Result, error) {
	f.mu.Lock()
	f.sent = append(f.sent, b)
	f.at = append(f.at, time.Now())
	fail := f.fail[b.Index]
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(b)
	}
	if fail {
		return sender.Result{}, &sender.DeliveryError{Index: b.Index, StatusCode: http.StatusInternalServerError, Body: "boom"}
	}
	return sender.Result{StatusCode: http.StatusOK}, nil
}

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) indices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.sent))
	for i, b := range f.sent {
		out[i] = b.Index
	}
	return out
}

// sleepRecorder replaces the real sleep and remembers requested delays.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testConfig() *config.Config {
	return &config.Config{
		InputPath:      "unused.json",
		Token:          "tok",
		Endpoint:       "http://unused",
		Transport:      config.TransportHTTP,
		BatchSize:      2,
		Delay:          time.Second,
		RequestTimeout: time.Second,
		StateDir:       ".",
	}
}

func rawItems(t *testing.T, n int) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf("%d", i+1))
	}
	return out
}

func newTestDispatcher(cfg *config.Config, s sender.Sender, repo state.Repository) (*Dispatcher, *sleepRecorder) {
	d := New(cfg, s, repo)
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	return d, rec
}

func TestDispatch_ExampleBatches(t *testing.T) {
	fs := &fakeSender{}
	d, rec := newTestDispatcher(testConfig(), fs, state.NewMemory())

	sum, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)

	require.Len(t, fs.sent, 3)
	var got [][]string
	for i, b := range fs.sent {
		assert.Equal(t, i, b.Index)
		assert.Equal(t, 3, b.Total)
		var row []string
		for _, r := range b.Records {
			row = append(row, string(r))
		}
		got = append(got, row)
	}
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, got)

	// A pause after every batch but the last.
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.calls)

	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 5, sum.Records)
	assert.Equal(t, 3, sum.Sent)
	assert.Equal(t, 5, sum.RecordsSent)
	assert.Zero(t, sum.Failed)
	assert.False(t, sum.Interrupted)
	assert.NotEmpty(t, sum.RunID)
}

func TestDispatch_StartOffset(t *testing.T) {
	cfg := testConfig()
	cfg.Start = 1
	fs := &fakeSender{}
	d, _ := newTestDispatcher(cfg, fs, state.NewMemory())

	sum, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, fs.indices())
	assert.Equal(t, 1, sum.Start)
}

func TestDispatch_StartBeyondEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Start = 10
	fs := &fakeSender{}
	d, rec := newTestDispatcher(cfg, fs, state.NewMemory())

	sum, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)
	assert.Empty(t, fs.indices())
	assert.Zero(t, rec.count())
	assert.Zero(t, sum.Sent)
}

func TestDispatch_CheckpointOverridesStart(t *testing.T) {
	cfg := testConfig()
	cfg.Start = 0
	repo := state.NewMemory()
	require.NoError(t, repo.SetCheckpoint(2))

	fs := &fakeSender{}
	d, _ := newTestDispatcher(cfg, fs, repo)

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, fs.indices())
}

func TestDispatch_NoBatchBelowStartIsSent(t *testing.T) {
	for start := 0; start <= 6; start++ {
		t.Run(fmt.Sprint(start), func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = 1
			cfg.Start = start
			fs := &fakeSender{}
			d, _ := newTestDispatcher(cfg, fs, state.NewMemory())

			_, err := d.Dispatch(context.Background(), rawItems(t, 5))
			require.NoError(t, err)
			for _, idx := range fs.indices() {
				assert.GreaterOrEqual(t, idx, start)
			}
			want := 5 - start
			if want < 0 {
				want = 0
			}
			assert.Len(t, fs.indices(), want)
		})
	}
}

func TestDispatch_RetryModeOnlySendsFailed(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMode = true
	fs := &fakeSender{}
	d, rec := newTestDispatcher(cfg, fs, state.NewMemory(2))

	sum, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)

	assert.Equal(t, []int{2}, fs.indices())
	assert.Zero(t, rec.count(), "skipped batches must not incur a delay")
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Sent)
}

func TestDispatch_RetryModeDelaysOnlyAfterSentBatches(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMode = true
	cfg.BatchSize = 1
	fs := &fakeSender{}
	d, rec := newTestDispatcher(cfg, fs, state.NewMemory(1, 3, 1))

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, fs.indices())
	assert.Equal(t, 2, rec.count())
}

func TestDispatch_RetriesIgnoredOutsideRetryMode(t *testing.T) {
	fs := &fakeSender{}
	d, _ := newTestDispatcher(testConfig(), fs, state.NewMemory(2))

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, fs.indices())
}

func TestDispatch_RetryModeWithEmptyLogSendsAll(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMode = true
	fs := &fakeSender{}
	d, _ := newTestDispatcher(cfg, fs, state.NewMemory())

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, fs.indices())
}

func TestDispatch_FailureRecordedOnceAndRunContinues(t *testing.T) {
	repo := state.NewMemory()
	fs := &fakeSender{fail: map[int]bool{1: true}}
	d, rec := newTestDispatcher(testConfig(), fs, repo)

	sum, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, fs.indices())
	failures, _ := repo.Failures()
	assert.Equal(t, []int{1}, failures)
	assert.Equal(t, []int{1}, sum.FailedIndices)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, sum.RecordsSent)
	// Failed batches are paced like successful ones.
	assert.Equal(t, 2, rec.count())
}

func TestDispatch_RetryFailureAppendsAgain(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMode = true
	repo := state.NewMemory(0)
	fs := &fakeSender{fail: map[int]bool{0: true}}
	d, _ := newTestDispatcher(cfg, fs, repo)

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)

	failures, _ := repo.Failures()
	assert.Equal(t, []int{0, 0}, failures, "the failure log is never deduplicated")
}

type brokenRepo struct{ *state.Memory }

func (brokenRepo) AppendFailure(int) error { return errors.New("disk full") }

func TestDispatch_FailureLogErrorIsFatal(t *testing.T) {
	fs := &fakeSender{fail: map[int]bool{0: true}}
	d, _ := newTestDispatcher(testConfig(), fs, brokenRepo{state.NewMemory()})

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []int{0}, fs.indices())
}

func TestDispatch_CancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := &fakeSender{onSend: func(b sender.Batch) {
		if b.Index == 0 {
			cancel()
		}
	}}
	d := New(testConfig(), fs, state.NewMemory())
	d.sleep = sleepCtx

	sum, err := d.Dispatch(ctx, rawItems(t, 5))
	require.ErrorIs(t, err, ErrInterrupted)
	require.NotNil(t, sum)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, []int{0}, fs.indices())
	assert.Equal(t, 1, sum.Sent)
}

func TestDispatch_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fs := &fakeSender{}
	d, _ := newTestDispatcher(testConfig(), fs, state.NewMemory())

	sum, err := d.Dispatch(ctx, rawItems(t, 5))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, sum.Interrupted)
	assert.Empty(t, fs.indices())
}

func TestDispatch_InFlightBatchFinishesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sendCtxErr error
	s := senderFunc(func(sctx context.Context, b sender.Batch) (sender.Result, error) {
		cancel()
		sendCtxErr = sctx.Err()
		return sender.Result{StatusCode: 200}, nil
	})
	d, _ := newTestDispatcher(testConfig(), s, state.NewMemory())

	sum, err := d.Dispatch(ctx, rawItems(t, 5))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.NoError(t, sendCtxErr)
	assert.Equal(t, 1, sum.Sent)
}

type senderFunc func(ctx context.Context, b sender.Batch) (sender.Result, error)

func (f senderFunc) Send(ctx context.Context, b sender.Batch) (sender.Result, error) { return f(ctx, b) }
func (f senderFunc) Close() error { return nil }

func TestDispatch_RealDelayBetweenBatches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.Delay = 40 * time.Millisecond
	fs := &fakeSender{}
	d := New(cfg, fs, state.NewMemory())

	start := time.Now()
	_, err := d.Dispatch(context.Background(), rawItems(t, 3))
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Len(t, fs.at, 3)
	for i := 1; i < len(fs.at); i++ {
		assert.GreaterOrEqual(t, fs.at[i].Sub(fs.at[i-1]), cfg.Delay)
	}
	// Two pauses, none after the last batch.
	assert.Less(t, elapsed, 3*cfg.Delay+time.Second)
}

func TestDispatch_SetDelayAffectsLaterPauses(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	var d *Dispatcher
	fs := &fakeSender{onSend: func(b sender.Batch) {
		if b.Index == 1 {
			d.SetDelay(5 * time.Millisecond)
		}
	}}
	d, rec := newTestDispatcher(cfg, fs, state.NewMemory())

	_, err := d.Dispatch(context.Background(), rawItems(t, 4))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Millisecond, 5 * time.Millisecond}, rec.calls)
	assert.Equal(t, 5*time.Millisecond, d.Delay())
}

func TestDispatch_CheckpointProgress(t *testing.T) {
	cfg := testConfig()
	cfg.Checkpoint = true
	repo := state.NewMemory()

	var seen []int
	fs := &fakeSender{}
	fs.onSend = func(b sender.Batch) {
		if n, ok, _ := repo.Checkpoint(); ok {
			seen = append(seen, n)
		}
	}
	d, _ := newTestDispatcher(cfg, fs, repo)

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)

	// Before batch 1 the checkpoint says 1, before batch 2 it says 2.
	assert.Equal(t, []int{1, 2}, seen)
	_, ok, _ := repo.Checkpoint()
	assert.False(t, ok, "a completed run clears its checkpoint")
}

func TestDispatch_CheckpointKeptOnInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.Checkpoint = true
	repo := state.NewMemory()
	fs := &fakeSender{onSend: func(b sender.Batch) {
		if b.Index == 1 {
			cancel()
		}
	}}
	d, _ := newTestDispatcher(cfg, fs, repo)

	_, err := d.Dispatch(ctx, rawItems(t, 5))
	require.ErrorIs(t, err, ErrInterrupted)

	n, ok, _ := repo.Checkpoint()
	require.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestDispatch_CheckpointDisabledLeavesStateAlone(t *testing.T) {
	repo := state.NewMemory()
	d, _ := newTestDispatcher(testConfig(), &fakeSender{}, repo)

	_, err := d.Dispatch(context.Background(), rawItems(t, 5))
	require.NoError(t, err)
	_, ok, _ := repo.Checkpoint()
	assert.False(t, ok)
}

func TestRun_LoadErrorsAreFatal(t *testing.T) {
	dir := t.TempDir()
	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte(`{"a":`), 0o600))
	twoArrays := filepath.Join(dir, "two.json")
	require.NoError(t, os.WriteFile(twoArrays, []byte(`{"a":[1],"b":[2]}`), 0o600))

	tests := []struct {
		name   string
		path   string
		target any
	}{
		{"missing file", filepath.Join(dir, "absent.json"), new(*config.Error)},
		{"invalid json", badJSON, new(*records.ParseError)},
		{"ambiguous shape", twoArrays, new(*records.ShapeError)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.InputPath = tc.path
			fs := &fakeSender{}
			d, _ := newTestDispatcher(cfg, fs, state.NewMemory())

			sum, err := d.Run(context.Background())
			require.ErrorAs(t, err, tc.target)
			assert.Nil(t, sum)
			assert.Empty(t, fs.indices())
		})
	}
}

func TestRun_EndToEndHTTP(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		n := len(bodies)
		mu.Unlock()
		if r.Header.Get("Authorization") != "secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n == 2 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	input := filepath.Join(dir, "emails.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"emails":["a","b","c","d","e"]}`), 0o600))

	cfg := testConfig()
	cfg.Endpoint = srv.URL
	cfg.Token = "secret-token"
	cfg.InputPath = input
	cfg.StateDir = dir
	cfg.Delay = 0

	s, err := sender.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	repo := state.NewFiles(dir)
	sum, err := New(cfg, s, repo).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 1, sum.Failed)

	mu.Lock()
	assert.Equal(t, []string{`["a","b"]`, `["c","d"]`, `["e"]`}, bodies)
	mu.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, state.FailureFile))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))

	// A second run in retry mode resends only the failed batch.
	mu.Lock()
	bodies = nil
	mu.Unlock()
	cfg.RetryMode = true
	sum, err = New(cfg, s, repo).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 2, sum.Skipped)

	mu.Lock()
	assert.Equal(t, []string{`["c","d"]`}, bodies)
	mu.Unlock()
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), 0))
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
