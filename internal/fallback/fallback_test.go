package fallback

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	q, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := q.Append(Entry{
			Destination: "splunk",
			FailedAt:    time.Now(),
			Events:      json.RawMessage(`[{"n":` + string(rune('0'+i)) + `}]`),
			LastError:   "connection reset",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var replayed []Entry
	if err := q.ReplayAll(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	}); err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}

	if len(replayed) != 3 {
		t.Fatalf("expected 3 replayed entries, got %d", len(replayed))
	}
}

func TestQueueDirIsProcessOwned(t *testing.T) {
	dir := t.TempDir()
	q, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if q.Dir() == dir {
		t.Fatal("fallback root must not be the shared temp root directly")
	}
	info, err := os.Stat(q.Dir())
	if err != nil || !info.IsDir() {
		t.Fatalf("expected fallback root to exist as a directory: %v", err)
	}
}
