package state

import "sync"

// Memory is an in-process Repository. The dispatch loop and its tests use
// it where touching the filesystem is not wanted.
type Memory struct {
	mu         sync.Mutex
	checkpoint *int
	failures   []int
}

// NewMemory returns a Memory seeded with an optional failure log.
func NewMemory(failures ...int) *Memory {
	return &Memory{failures: append([]int(nil), failures...)}
}

func (m *Memory) Checkpoint() (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return 0, false, nil
	}
	return *m.checkpoint, true, nil
}

func (m *Memory) SetCheckpoint(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = &index
	return nil
}

func (m *Memory) ClearCheckpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = nil
	return nil
}

func (m *Memory) Failures() ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.failures...), nil
}

func (m *Memory) AppendFailure(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, index)
	return nil
}

// Distinct returns the unique indices of a failure log in first-seen order.
func Distinct(failures []int) []int {
	seen := make(map[int]struct{}, len(failures))
	var out []int
	for _, n := range failures {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
