// Package logutil is the plain-text training log.
package logutil

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Logger appends formatted lines to a log file and optionally mirrors them
// to the console.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	toFile  zerolog.Logger
	console zerolog.Logger
}

// Open creates (or appends to) the log file at path. An empty path logs to
// the console only.
func Open(path string) (*Logger, error) {
	l := &Logger{
		console: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}).With().Timestamp().Logger(),
		toFile:  zerolog.Nop(),
	}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log %s", path)
	}
	l.file = f
	l.toFile = newTextLogger(f)
	return l, nil
}

func newTextLogger(w io.Writer) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.DateTime}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// Log appends message to the file and, when toConsole is set, prints it too.
func (l *Logger) Log(message string, toConsole bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toFile.Info().Msg(message)
	if toConsole {
		l.console.Info().Msg(message)
	}
}

// Close flushes and closes the file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
