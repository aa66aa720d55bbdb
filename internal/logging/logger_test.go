package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_WritesJSONLineToFile(t *testing.T) {
	l := &Logger{enabled: true}
	path := filepath.Join(t.TempDir(), "tasks.log")
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	defer l.Close()

	l.Log(&TaskLog{TaskID: "task-1", VMName: "win-defender", DurationMs: 1200, Success: true})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"task_id":"task-1"`) {
		t.Fatalf("expected task_id in logged line, got %q", string(data))
	}
}

func TestLogger_DisabledLoggerWritesNothing(t *testing.T) {
	l := &Logger{enabled: false}
	path := filepath.Join(t.TempDir(), "tasks.log")
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	defer l.Close()

	l.Log(&TaskLog{TaskID: "task-1"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected no output for a disabled logger, got %q", string(data))
	}
}
