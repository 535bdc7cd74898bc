package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/router"
)

// Journal appends routing events to a JSONL file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenJournal opens path for appending, creating it if needed.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to create journal directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to open journal").
			WithDetail("path", path)
	}
	return &Journal{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one event as a line.
func (j *Journal) Append(e router.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(e)
}

// Close closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ParseLine decodes one journal line.
func ParseLine(line []byte) (router.Event, error) {
	var e router.Event
	if err := json.Unmarshal(line, &e); err != nil {
		return router.Event{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid journal line")
	}
	return e, nil
}

// ReadJournal decodes every well-formed line of r, keeping the last n
// when n is positive.
func ReadJournal(r io.Reader, n int) ([]router.Event, error) {
	var events []router.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		e, err := ParseLine(scanner.Bytes())
		if err != nil {
			continue
		}
		events = append(events, e)
		if n > 0 && len(events) > n {
			events = events[1:]
		}
	}
	return events, scanner.Err()
}
