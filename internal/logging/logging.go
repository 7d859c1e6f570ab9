// Package logging builds the process logger and hands out component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level, output format and an optional log file.
type Options struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // console or json
	File   string `yaml:"file" json:"file"`     // appended to in addition to stderr when set
}

// Manager owns the root logger and the optional log file.
type Manager struct {
	mu     sync.RWMutex
	logger zerolog.Logger
	file   *os.File
}

func NewManager() *Manager {
	return &Manager{logger: newLogger(os.Stderr, "console", zerolog.InfoLevel)}
}

// Configure replaces the root logger. Component loggers handed out earlier
// keep writing to the previous configuration.
func (m *Manager) Configure(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	switch format {
	case "", "console", "text":
		format = "console"
	case "json":
	default:
		return fmt.Errorf("unsupported log format: %q", opts.Format)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	var w io.Writer = os.Stderr
	if format == "console" {
		w = consoleWriter(os.Stderr)
	}
	if opts.File != "" {
		f, err := os.OpenFile(filepath.Clean(opts.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		m.file = f
		// The file always gets JSON lines.
		w = zerolog.MultiLevelWriter(w, f)
	}
	m.logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return nil
}

// Logger returns a child logger tagged with component.
func (m *Manager) Logger(component string) zerolog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger.With().Str("component", component).Logger()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// ParseLevel maps a config string to a zerolog level. Empty means info.
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off", "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unsupported log level: %q", raw)
	}
}

func newLogger(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if format == "console" {
		w = consoleWriter(w)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
}
