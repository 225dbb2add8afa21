// Package notify carries enrichment progress between the worker process and
// the API server using filesystem events: the worker drops a small event
// file per completed enrichment, the server watches the directory and
// broadcasts to its websocket clients.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TypeEnriched signals that an event finished enrichment.
const TypeEnriched = "enriched"

// Event is the payload written to an event file.
type Event struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Time    int64  `json:"time"`
}

// Writer emits notification event files to a shared directory.
type Writer struct {
	dir string
}

// NewWriter creates a writer that emits events to {dataPath}/events/.
func NewWriter(dataPath string) *Writer {
	return &Writer{dir: filepath.Join(dataPath, "events")}
}

// Notify writes an event file with the given type.
// Safe to call concurrently. Errors are returned but not fatal.
func (w *Writer) Notify(eventType, eventID string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt := Event{
		Type:    eventType,
		EventID: eventID,
		Time:    time.Now().UnixNano(),
	}
	data, _ := json.Marshal(evt)
	filename := fmt.Sprintf("%d-%s.event", evt.Time, sanitizeID(eventID))
	path := filepath.Join(w.dir, filename)
	return os.WriteFile(path, data, 0o600)
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '/' || id[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
