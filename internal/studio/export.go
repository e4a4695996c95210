package studio

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportEvents writes the currently retained event window as
// newline-delimited JSON, oldest first, in the wire shape events arrive
// in. Read-only: live state is untouched.
func (c *Consumer) ExportEvents(w io.Writer) error {
	c.mu.Lock()
	events := c.window.snapshot()
	c.mu.Unlock()

	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("studio: export events: %w", err)
		}
	}
	return nil
}

// ExportFilename returns the download filename for a run's event export,
// e.g. "renshu-run_7f3a-20260301-104500.ndjson".
func ExportFilename(runID string, now time.Time) string {
	return fmt.Sprintf("renshu-%s-%s.ndjson", runID, now.UTC().Format("20060102-150405"))
}
