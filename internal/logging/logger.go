package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// SandboxOp records one stage of a sandbox's lifetime: netns acquisition,
// VM boot, a vsock exec, an artifact upload stage, and so on. Every stage
// of the guest agent orchestrator and the sandbox lifecycle emits one of
// these; the telemetry streamer later harvests them into an upload batch.
type SandboxOp struct {
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id"`
	SandboxID  string    `json:"sandbox_id,omitempty"`
	Name       string    `json:"name"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Logger records SandboxOp entries to an optional JSON-lines file and,
// optionally, a human-readable console line.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default sandbox-op logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput directs JSON-lines output at path, opening it for append.
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

// SetConsole toggles the human-readable console line.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log records a SandboxOp, stamping its timestamp.
func (l *Logger) Log(op *SandboxOp) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	op.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !op.Success {
			status = "fail"
		}
		fmt.Printf("[sandbox-op] %s %s %dms %s\n", op.Name, op.RunID, op.DurationMs, status)
		if op.Error != "" {
			fmt.Printf("[sandbox-op]   error: %s\n", op.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(op)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the backing file, if any.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
