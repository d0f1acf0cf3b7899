// Package logger provides the leveled printf-style logger used across
// the ingestion engine, with an optional file sink so non-verbose runs
// still leave a debuggable trail.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger writes leveled messages to stdout and optionally to a file.
type Logger struct {
	Verbose bool
	writer  io.Writer
	mu      sync.Mutex
	fileLog *os.File
	hasBar  bool
}

// New creates a new Logger instance
func New(verbose bool) *Logger {
	return &Logger{
		Verbose: verbose,
		writer:  os.Stdout,
	}
}

// SetFileLog enables logging to a file
func (l *Logger) SetFileLog(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.fileLog = f
	return nil
}

// SetProgressBar indicates that a progress bar is active, suppressing
// stdout output that would corrupt it.
func (l *Logger) SetProgressBar(active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasBar = active
}

// Close closes the log file if open
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLog != nil {
		return l.fileLog.Close()
	}
	return nil
}

// Info logs informational messages
func (l *Logger) Info(format string, args ...any) {
	l.log("INFO", format, args...)
}

// Debug logs detailed messages only in verbose mode
func (l *Logger) Debug(format string, args ...any) {
	if l.Verbose {
		l.log("DEBUG", format, args...)
	} else if l.fileLog != nil {
		// Debug always reaches the file even in non-verbose mode
		l.logToFile("DEBUG", format, args...)
	}
}

// Warn logs warning messages
func (l *Logger) Warn(format string, args ...any) {
	l.log("WARN", format, args...)
}

// Error logs error messages to stderr
func (l *Logger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf("[ERROR] "+format+"\n", args...)
	fmt.Fprint(os.Stderr, msg)

	if l.fileLog != nil {
		l.fileLog.WriteString(msg)
	}
}

func (l *Logger) log(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var msg string
	if level == "INFO" {
		msg = fmt.Sprintf(format+"\n", args...)
	} else {
		msg = fmt.Sprintf("["+level+"] "+format+"\n", args...)
	}

	if l.Verbose || !l.hasBar {
		fmt.Fprint(l.writer, msg)
	}

	if l.fileLog != nil {
		l.fileLog.WriteString(msg)
	}
}

func (l *Logger) logToFile(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLog != nil {
		l.fileLog.WriteString(fmt.Sprintf("["+level+"] "+format+"\n", args...))
	}
}
