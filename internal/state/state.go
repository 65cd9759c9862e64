package state

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/obsidianstack/batchsend/internal/config"
)

// File names inside the state directory. Both hold plain integers so they
// can be edited by hand.
const (
	CheckpointFile = "next.txt"
	FailureFile    = "failed.txt"
)

// Repository persists the run state between process runs: the checkpoint
// (index of the next batch to attempt) and the append-only failure log.
type Repository interface {
	// Checkpoint returns the stored next-batch index. ok is false when no
	// checkpoint exists.
	Checkpoint() (index int, ok bool, err error)

	// SetCheckpoint replaces the stored next-batch index.
	SetCheckpoint(index int) error

	// ClearCheckpoint removes the checkpoint. Clearing a missing
	// checkpoint is not an error.
	ClearCheckpoint() error

	// Failures returns every index in the failure log, in file order,
	// duplicates included.
	Failures() ([]int, error)

	// AppendFailure adds index to the end of the failure log.
	AppendFailure(index int) error
}

// Files is the on-disk Repository rooted at Dir.
type Files struct {
	Dir string
	mu  sync.Mutex
}

// NewFiles returns a Repository that keeps next.txt and failed.txt in dir.
func NewFiles(dir string) *Files {
	return &Files{Dir: dir}
}

func (f *Files) checkpointPath() string { return filepath.Join(f.Dir, CheckpointFile) }
func (f *Files) failurePath() string    { return filepath.Join(f.Dir, FailureFile) }

// Checkpoint reads next.txt. Content that is not an integer is reported as
// a *config.Error because it replaces the configured start offset.
func (f *Files) Checkpoint() (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.checkpointPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("state: read checkpoint: %w", err)
	}

	v := strings.TrimSpace(string(data))
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false, &config.Error{
			Key:    f.checkpointPath(),
			Reason: fmt.Sprintf("must hold a non-negative batch index, got %q", v),
			Err:    err,
		}
	}
	return n, true, nil
}

// SetCheckpoint atomically replaces next.txt.
func (f *Files) SetCheckpoint(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := WriteFileAtomic(f.checkpointPath(), []byte(strconv.Itoa(index)+"\n")); err != nil {
		return fmt.Errorf("state: write checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoint removes next.txt.
func (f *Files) ClearCheckpoint() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.checkpointPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("state: clear checkpoint: %w", err)
	}
	return nil
}

// Failures reads failed.txt. Blank and non-numeric lines are skipped.
func (f *Files) Failures() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.failurePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read failure log: %w", err)
	}
	return parseFailures(data), nil
}

// AppendFailure appends "<index>\n" to failed.txt, creating it if needed.
func (f *Files) AppendFailure(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.failurePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("state: open failure log: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", index); err != nil {
		file.Close()
		return fmt.Errorf("state: append failure log: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("state: close failure log: %w", err)
	}
	return nil
}

func parseFailures(data []byte) []int {
	var out []int
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		v := strings.TrimSpace(sc.Text())
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("state: ignoring malformed failure log line", "line", line, "value", v)
			continue
		}
		out = append(out, n)
	}
	return out
}

// WriteFileAtomic writes data to a temp file in the destination directory
// and renames it over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
