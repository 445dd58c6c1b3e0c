// Package debug provides component-scoped debug logging. Output is disabled
// unless enabled at build time or via the DEBUG environment variable, and is
// always suppressed in quiet mode so stdio-based transports stay clean.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Build flag for debug mode - can be overridden at build time
// go build -ldflags "-X github.com/foliodev/folio/internal/debug.EnableDebug=true"
var EnableDebug = "false"

// quietMode suppresses all debug output (set when a stdio transport owns
// the process's standard streams).
var quietMode = false

var (
	debugMutex  sync.Mutex
	debugOutput io.Writer
	debugFile   *os.File
)

// SetQuietMode suppresses all debug output regardless of DEBUG settings.
func SetQuietMode(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	quietMode = enabled
}

// SetOutput sets a custom writer for debug output. Pass nil to disable.
func SetOutput(w io.Writer) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugOutput = w
}

// InitLogFile initializes debug logging to a timestamped file in the OS
// temp dir. Returns the path to the log file. Call CloseLogFile when done.
func InitLogFile() (string, error) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	logDir := filepath.Join(os.TempDir(), "folio-debug-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create debug log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T150405")
	logPath := filepath.Join(logDir, fmt.Sprintf("debug-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create debug log file: %w", err)
	}

	debugFile = file
	debugOutput = file
	return logPath, nil
}

// CloseLogFile closes the debug log file if one is open.
func CloseLogFile() error {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugFile != nil {
		err := debugFile.Close()
		debugFile = nil
		debugOutput = nil
		return err
	}
	return nil
}

// IsEnabled returns true if debug output is currently enabled.
func IsEnabled() bool {
	debugMutex.Lock()
	quiet := quietMode
	debugMutex.Unlock()
	if quiet {
		return false
	}

	if EnableDebug == "true" {
		return true
	}
	if os.Getenv("DEBUG") == "1" || os.Getenv("DEBUG") == "true" {
		return true
	}
	return false
}

func getWriter() io.Writer {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	return debugOutput
}

// Log provides structured debug logging with component names.
func Log(component, format string, args ...interface{}) {
	if !IsEnabled() {
		return
	}
	w := getWriter()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG:%s] "+format, append([]interface{}{component}, args...)...)
}

// LogScan provides debug logging for scanner and watcher operations.
func LogScan(format string, args ...interface{}) {
	Log("SCAN", format, args...)
}

// LogGraph provides debug logging for graph store operations.
func LogGraph(format string, args ...interface{}) {
	Log("GRAPH", format, args...)
}

// LogEdit provides debug logging for edit strategy operations.
func LogEdit(format string, args ...interface{}) {
	Log("EDIT", format, args...)
}

// LogBus provides debug logging for event bus operations.
func LogBus(format string, args ...interface{}) {
	Log("BUS", format, args...)
}

// LogTransport provides debug logging for transport operations.
func LogTransport(format string, args ...interface{}) {
	Log("TRANSPORT", format, args...)
}

// LogIntake provides debug logging for annotation intake operations.
func LogIntake(format string, args ...interface{}) {
	Log("INTAKE", format, args...)
}
