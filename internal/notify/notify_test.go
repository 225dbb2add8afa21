package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Notify(TypeEnriched, "5f1c2a"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 event file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".event" {
		t.Errorf("expected .event extension, got %s", entries[0].Name())
	}
}

func TestWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()

	type eventMsg struct {
		eventType string
		eventID   string
	}
	received := make(chan eventMsg, 1)

	watcher := NewWatcher(dir, func(eventType, eventID string) {
		received <- eventMsg{eventType, eventID}
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	writer := NewWriter(dir)
	if err := writer.Notify(TypeEnriched, "ev-test-123"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.eventType != TypeEnriched {
			t.Errorf("expected event type %s, got %s", TypeEnriched, msg.eventType)
		}
		if msg.eventID != "ev-test-123" {
			t.Errorf("expected ev-test-123, got %s", msg.eventID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()

	// Write events BEFORE starting watcher
	writer := NewWriter(dir)
	_ = writer.Notify(TypeEnriched, "drain-1")
	_ = writer.Notify(TypeEnriched, "drain-2")

	received := make(chan string, 10)
	watcher := NewWatcher(dir, func(eventType, eventID string) {
		received <- eventID
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Drain should have processed both files synchronously during Start
	time.Sleep(100 * time.Millisecond)

	if len(received) != 2 {
		t.Fatalf("expected 2 drained events, got %d", len(received))
	}
}

func TestSanitizeID(t *testing.T) {
	got := sanitizeID("a:b/c")
	if got != "a_b_c" {
		t.Errorf("expected a_b_c, got %s", got)
	}
}
