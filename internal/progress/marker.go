package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const markerFile = ".last-completed"

// Marker persists the last as-of date a sync completed for, so a rerun for
// the same session is a no-op.
type Marker struct {
	dir string
}

// NewMarker creates a marker stored under dir.
func NewMarker(dir string) (*Marker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating marker dir: %w", err)
	}
	return &Marker{dir: dir}, nil
}

// MarkCompleted writes the given date to .last-completed.
func (m *Marker) MarkCompleted(date string) error {
	return os.WriteFile(filepath.Join(m.dir, markerFile), []byte(date), 0o644)
}

// IsCompleted returns true if .last-completed matches the given date.
func (m *Marker) IsCompleted(date string) bool {
	return m.LastCompleted() == date
}

// LastCompleted returns the date from .last-completed, or "".
func (m *Marker) LastCompleted() string {
	data, err := os.ReadFile(filepath.Join(m.dir, markerFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset forgets the last completed date.
func (m *Marker) Reset() error {
	err := os.Remove(filepath.Join(m.dir, markerFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
