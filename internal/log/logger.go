// logger.go - Structured logging.
//
// Every record goes to the console (or JSON on stdout) and optionally to a log
// file. Records at WARN and above, plus explicit audit records, are also
// written to the audit file when one is configured.
package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

type Format uint8

const (
	ConsoleFormat Format = iota
	JSONFormat
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "console", "":
		return ConsoleFormat, nil
	case "json":
		return JSONFormat, nil
	default:
		return 0, fmt.Errorf("unknown log format %q", s)
	}
}

type Options struct {
	Level     zerolog.Level
	Format    Format
	File      string
	AuditFile string
	// Out overrides stdout, mostly for tests.
	Out io.Writer
}

type Logger struct {
	Root  zerolog.Logger
	audit zerolog.Logger
	files []*os.File
}

func ParseLevel(level string) (zerolog.Level, error) {
	return zerolog.ParseLevel(level)
}

// New builds the root logger described by opts.
func New(opts Options) (*Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	l := &Logger{audit: zerolog.Nop()}
	var writers []io.Writer
	switch opts.Format {
	case ConsoleFormat:
		writers = append(writers, newConsoleWriter(out))
	default:
		writers = append(writers, out)
	}

	if opts.File != "" {
		f, err := openAppend(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, f)
	}

	if opts.AuditFile != "" {
		f, err := openAppend(opts.AuditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, &levelFilter{w: f, min: zerolog.WarnLevel})
		l.audit = zerolog.New(f).With().Timestamp().Str("type", "audit").Logger()
	}

	l.Root = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(opts.Level).
		With().Timestamp().Logger()
	return l, nil
}

// Component returns a sub-logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Root.With().Str("component", name).Logger()
}

// Audit writes an audit record regardless of the log level.
func (l *Logger) Audit(event string, fields map[string]any) {
	l.audit.Log().Str("event", event).Fields(fields).Msg("")
}

// RouteGnark sends the proving library's own logging through the root logger
// at debug level, or silences it.
func (l *Logger) RouteGnark(enabled bool) {
	if !enabled {
		gnarklogger.Disable()
		return
	}
	gnarklogger.Set(l.Component("gnark"))
}

func (l *Logger) Close() error {
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	return errors.Join(errs...)
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// levelFilter passes through records at or above min.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min || level == zerolog.NoLevel {
		return len(p), nil
	}
	return f.w.Write(p)
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("message: \"%s\" |", i)
	}
	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("\"%s\": ", i)
	}
	cw.FormatFieldValue = func(i interface{}) string {
		return fmt.Sprintf("\"%s\" |", i)
	}
	cw.FormatErrFieldValue = func(i interface{}) string {
		return fmt.Sprintf(" %s |", i)
	}
	return cw
}
