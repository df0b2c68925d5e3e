package bus

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEventLogger_LogAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "events.jsonl")

	journal, err := NewEventLogger(path, true)
	if err != nil {
		t.Fatalf("NewEventLogger() error = %v", err)
	}
	if !journal.IsEnabled() {
		t.Fatal("IsEnabled() = false, want true")
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	journal.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"b1", "b2", "b3"} {
		if err := journal.Log(TopicBatchScored, Event{ID: id, Type: TopicBatchScored}); err != nil {
			t.Fatalf("Log(%s) error = %v", id, err)
		}
	}

	all, err := journal.GetEvents(time.Time{}, 0)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(all) != 3 || all[0].Event.ID != "b1" || all[2].Event.ID != "b3" {
		t.Fatalf("GetEvents() = %+v", all)
	}
	if all[0].Topic != TopicBatchScored {
		t.Errorf("Topic = %s, want %s", all[0].Topic, TopicBatchScored)
	}

	// since is exclusive
	recent, err := journal.GetEvents(base.Add(time.Second), 0)
	if err != nil {
		t.Fatalf("GetEvents(since) error = %v", err)
	}
	if len(recent) != 2 || recent[0].Event.ID != "b2" {
		t.Errorf("GetEvents(since) = %+v", recent)
	}

	limited, _ := journal.GetEvents(time.Time{}, 1)
	if len(limited) != 1 {
		t.Errorf("GetEvents(limit=1) returned %d events", len(limited))
	}

	if err := journal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := journal.Log(TopicBatchScored, Event{ID: "late"}); err == nil {
		t.Error("Log() after Close() should fail")
	}

	// The file survives and can be read standalone.
	reread, err := ReadJournal(path, time.Time{}, 0)
	if err != nil || len(reread) != 3 {
		t.Errorf("ReadJournal() = %d events, %v; want 3", len(reread), err)
	}
}

func TestEventLogger_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	journal, err := NewEventLogger(path, false)
	if err != nil {
		t.Fatalf("NewEventLogger() error = %v", err)
	}

	if err := journal.Log("topic", Event{ID: "x"}); err != nil {
		t.Errorf("Log() on disabled journal error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("disabled journal should not create a file")
	}
	if _, err := journal.GetEvents(time.Time{}, 0); err == nil {
		t.Error("GetEvents() on disabled journal should fail")
	}
}

func TestReadJournal_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := strings.Join([]string{
		`{"event":{"id":"ok-1"},"topic":"t","timestamp":"2026-01-01T00:00:01Z"}`,
		`not json`,
		`{"event":{"id":"ok-2"},"topic":"t","timestamp":"2026-01-01T00:00:02Z"}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	events, err := ReadJournal(path, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(events) != 2 {
		t.Errorf("ReadJournal() returned %d events, want 2", len(events))
	}

	missing, err := ReadJournal(filepath.Join(t.TempDir(), "nope.jsonl"), time.Time{}, 0)
	if err != nil || len(missing) != 0 {
		t.Errorf("ReadJournal(missing) = %v, %v; want empty, nil", missing, err)
	}
}

func TestReplay(t *testing.T) {
	target := NewMemoryBus(nil)
	defer target.Close()

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(2)
	_ = target.Subscribe(context.Background(), TopicBatchScored, func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
		wg.Done()
		return nil
	})

	entries := []LoggedEvent{
		{Topic: TopicBatchScored, Event: Event{ID: "a"}},
		{Topic: TopicBatchScored, Event: Event{ID: "b"}},
	}
	n, err := Replay(context.Background(), entries, target)
	if err != nil || n != 2 {
		t.Fatalf("Replay() = %d, %v; want 2, nil", n, err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("subscriber saw %v", got)
	}
}

func TestReplay_Canceled(t *testing.T) {
	target := NewMemoryBus(nil)
	defer target.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := Replay(ctx, []LoggedEvent{{Topic: "t", Event: Event{ID: "a"}}}, target)
	if err == nil || n != 0 {
		t.Errorf("Replay() = %d, %v; want 0 and an error", n, err)
	}
}
