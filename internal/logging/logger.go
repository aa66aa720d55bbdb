package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TaskLog represents a single sub-analysis log entry: one VM's run of
// one task through the pipeline (spec.md §4.D's prepare/upload/
// execute/collect/restore stages).
type TaskLog struct {
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	VMName     string    `json:"vm_name"`
	FileName   string    `json:"file_name"`
	FileSize   int64     `json:"file_size"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	AlertCount int       `json:"alert_count,omitempty"`
}

// Logger handles sub-analysis logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a sub-analysis log entry.
func (l *Logger) Log(entry *TaskLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		alerts := ""
		if entry.AlertCount > 0 {
			alerts = fmt.Sprintf(" [alerts:%d]", entry.AlertCount)
		}
		fmt.Printf("[task] %s %s %s %dms%s\n",
			status, entry.TaskID, entry.VMName, entry.DurationMs, alerts)
		if entry.Error != "" {
			fmt.Printf("[task]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
