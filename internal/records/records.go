package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/obsidianstack/batchsend/internal/config"
)

// ParseError means the input file could not be read or is not valid JSON.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("records: parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ShapeError means the input is valid JSON but not an array, and no single
// array-valued property could be identified.
type ShapeError struct {
	Path string
	// Candidates lists the array-valued top-level properties that were
	// found. It is empty for scalars and for objects without arrays.
	Candidates []string
}

func (e *ShapeError) Error() string {
	if len(e.Candidates) > 1 {
		return fmt.Sprintf("records: %s: JSON data is not an array and %d array properties are ambiguous: %v",
			e.Path, len(e.Candidates), e.Candidates)
	}
	return fmt.Sprintf("records: %s: JSON data is not an array and no single array property could be identified", e.Path)
}

// Load reads the JSON file at path and returns its records in order. Each
// record is kept as raw JSON, so values are sent exactly as read.
//
// An empty path or a missing file is reported as a *config.Error.
func Load(path string) ([]json.RawMessage, error) {
	if path == "" {
		return nil, &config.Error{Key: config.EnvInputPath, Reason: "is required"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &config.Error{Key: config.EnvInputPath, Reason: "input file not found", Err: err}
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	return Decode(path, data)
}

// Decode normalizes data into a record sequence. name is only used in
// errors and logs.
func Decode(name string, data []byte) ([]json.RawMessage, error) {
	var top json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}

	switch firstByte(top) {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(top, &items); err != nil {
			return nil, &ParseError{Path: name, Err: err}
		}
		return items, nil

	case '{':
		var props map[string]json.RawMessage
		if err := json.Unmarshal(top, &props); err != nil {
			return nil, &ParseError{Path: name, Err: err}
		}
		var arrays []string
		for k, v := range props {
			if firstByte(v) == '[' {
				arrays = append(arrays, k)
			}
		}
		if len(arrays) != 1 {
			sort.Strings(arrays)
			return nil, &ShapeError{Path: name, Candidates: arrays}
		}

		var items []json.RawMessage
		if err := json.Unmarshal(props[arrays[0]], &items); err != nil {
			return nil, &ParseError{Path: name, Err: err}
		}
		slog.Info("records: using array from property", "property", arrays[0], "path", name)
		return items, nil
	}

	return nil, &ShapeError{Path: name}
}

// Partition splits items into consecutive batches of at most size elements.
// The batches share the backing array of items. size must be positive.
func Partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		panic(fmt.Sprintf("records: partition size must be positive, got %d", size))
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end:end])
	}
	return batches
}

func firstByte(raw json.RawMessage) byte {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}
