package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ExecutionLog represents a single block dispatch's execution record,
// the per-block analogue of a per-invocation request log, emitted by the
// Coordinator for every block it dispatches.
type ExecutionLog struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	ContractName string    `json:"contract_name"`
	TraceID      string    `json:"trace_id,omitempty"`
	SpanID       string    `json:"span_id,omitempty"`
	BlockID      string    `json:"block_id"`
	BlockType    string    `json:"block_type"`
	DurationMs   int64     `json:"duration_ms"`
	GasConsumed  uint64    `json:"gas_consumed"`
	JITCompiled  bool      `json:"jit_compiled"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
}

// Logger handles per-block execution logging, separate from the
// operational logger returned by Op().
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: false}

// Default returns the default execution logger.
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

// Log writes an execution log entry.
func (l *Logger) Log(entry *ExecutionLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		jit := ""
		if entry.JITCompiled {
			jit = " [jit]"
		}
		fmt.Printf("[block] %s session=%s block=%s(%s) gas=%d %dms%s\n",
			status, entry.SessionID, entry.BlockID, entry.BlockType, entry.GasConsumed, entry.DurationMs, jit)
		if entry.Error != "" {
			fmt.Printf("[block]   error: %s\n", entry.Error)
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
