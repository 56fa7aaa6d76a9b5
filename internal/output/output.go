// Package output writes the per-session timing CSV files that make up the
// measurement product of a run.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SessionsDirName is the subdirectory of the output dir holding per-session
// CSV files.
const SessionsDirName = "sessions"

const columnHeader = "session_id,worker_id,iteration,event,timestamp,input_line_number,comment"

// EventLog is the CSV file for one session. Rows are written unbuffered so
// the file can be tailed while the run is in flight.
type EventLog struct {
	sessionID int64
	workerID  int
	iteration int

	mu sync.Mutex
	f  *os.File
}

// NewEventLog creates <outputDir>/sessions/<sessionID>_<workerID>_<iteration>.csv
// with the given header comment lines (written as "# <line>") followed by
// the column header.
func NewEventLog(outputDir string, sessionID int64, workerID, iteration int, headerComments []string) (*EventLog, error) {
	dir := filepath.Join(outputDir, SessionsDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}

	name := fmt.Sprintf("%d_%d_%d.csv", sessionID, workerID, iteration)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create session log: %w", err)
	}

	for _, comment := range headerComments {
		if _, err := fmt.Fprintf(f, "# %s\n", comment); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write session log header: %w", err)
		}
	}
	if _, err := fmt.Fprintln(f, columnHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write session log header: %w", err)
	}

	return &EventLog{
		sessionID: sessionID,
		workerID:  workerID,
		iteration: iteration,
		f:         f,
	}, nil
}

// Event appends one timing row stamped with the current wall clock.
func (l *EventLog) Event(event string, lineNumber int, comment string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	fmt.Fprintf(l.f, "%d,%d,%d,%s,%d,%d,%s\n",
		l.sessionID, l.workerID, l.iteration, event,
		time.Now().UnixMilli(), lineNumber, sanitizeComment(comment))
}

// Close closes the underlying file. Further Event calls are dropped.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// sanitizeComment keeps the comment to a single CSV cell.
func sanitizeComment(comment string) string {
	comment = strings.ReplaceAll(comment, "\n", " ")
	comment = strings.ReplaceAll(comment, "\r", " ")
	return strings.ReplaceAll(comment, ",", ";")
}
