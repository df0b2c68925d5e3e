package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ricesearch/recserve/internal/pkg/errors"
)

// maxJournalLine bounds one journal line; a batch of 64 requests with 100
// impressions each stays well below it.
const maxJournalLine = 4 * 1024 * 1024

// LoggedEvent is one line of the event journal.
type LoggedEvent struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLogger appends events to a JSON-lines journal so served batches
// can be inspected or re-published later.
type EventLogger struct {
	path    string
	enabled bool

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// NewEventLogger opens (or creates) the journal at path. A disabled
// logger accepts every call and writes nothing.
func NewEventLogger(path string, enabled bool) (*EventLogger, error) {
	l := &EventLogger{path: path, enabled: enabled, now: time.Now}
	if !enabled {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return l, nil
}

// Log appends one event.
func (l *EventLogger) Log(topic string, event Event) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New(errors.CodeUnavailable, "event journal is closed")
	}

	entry := LoggedEvent{Event: event, Topic: topic, Timestamp: l.now()}
	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	return nil
}

// GetEvents returns journal entries logged after since, oldest first.
// limit > 0 caps the number returned. Malformed lines are skipped.
func (l *EventLogger) GetEvents(since time.Time, limit int) ([]LoggedEvent, error) {
	if !l.enabled {
		return nil, errors.New(errors.CodeUnavailable, "event journal is disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return readJournal(l.path, since, limit)
}

// ReadJournal reads entries from a journal file without opening it for
// writing.
func ReadJournal(path string, since time.Time, limit int) ([]LoggedEvent, error) {
	return readJournal(path, since, limit)
}

func readJournal(path string, since time.Time, limit int) ([]LoggedEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []LoggedEvent{}, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	events := []LoggedEvent{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	for scanner.Scan() {
		var entry LoggedEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !entry.Timestamp.After(since) {
			continue
		}
		events = append(events, entry)
		if limit > 0 && len(events) >= limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return events, nil
}

// Replay re-publishes journal entries to target, in
// order. It returns the number of events published.
func Replay(ctx context.Context, entries []LoggedEvent, target Bus) (int, error) {
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := target.Publish(ctx, entry.Topic, entry.Event); err != nil {
			return i, fmt.Errorf("replay event %s: %w", entry.Event.ID, err)
		}
	}
	return len(entries), nil
}

// Close flushes and closes the journal.
func (l *EventLogger) Close() error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	l.encoder = nil

	if syncErr != nil {
		return fmt.Errorf("sync journal: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close journal: %w", closeErr)
	}
	return nil
}

// IsEnabled returns true if the journal is written.
func (l *EventLogger) IsEnabled() bool {
	return l.enabled
}
