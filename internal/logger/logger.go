package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config selects level, formatter and destination of the daemon log.
type Config struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string

	// Format is "text" or "json"
	Format string

	// Output is "stdout", "stderr" or a file path
	Output string
}

var (
	currentLevel = LevelInfo
	base         = newBase()
	logFile      *os.File
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	// Filtering happens in this package, logrus always sees everything.
	l.SetLevel(logrus.DebugLevel)
	return l
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Init applies a full logging configuration. It may be called again to
// reconfigure; a previously opened log file is closed.
func Init(cfg Config) error {
	SetLevel(cfg.Level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("couldn't open log file %s: %w", cfg.Output, err)
		}
		out = f
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	if f, ok := out.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		logFile = f
	}
	base.SetOutput(out)
	return nil
}

func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// AddHook attaches a logrus hook to the daemon logger.
func AddHook(hook logrus.Hook) {
	base.AddHook(hook)
}

func log(level Level, format string, v ...any) {
	if level < currentLevel {
		return
	}

	message := fmt.Sprintf(format, v...)
	switch level {
	case LevelDebug:
		base.Debug(message)
	case LevelInfo:
		base.Info(message)
	case LevelWarn:
		base.Warn(message)
	default:
		base.Error(message)
	}
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}

// Fatal logs unconditionally and exits the process.
func Fatal(format string, v ...any) {
	base.Fatalf(format, v...)
}

// Entry is a field-scoped logger sharing the package level filter.
type Entry struct {
	entry *logrus.Entry
}

// WithFields returns a logger that attaches the given fields to every line.
func WithFields(fields map[string]any) *Entry {
	return &Entry{entry: base.WithFields(logrus.Fields(fields))}
}

func (e *Entry) Debug(format string, v ...any) {
	if LevelDebug >= currentLevel {
		e.entry.Debugf(format, v...)
	}
}

func (e *Entry) Info(format string, v ...any) {
	if LevelInfo >= currentLevel {
		e.entry.Infof(format, v...)
	}
}

func (e *Entry) Warn(format string, v ...any) {
	if LevelWarn >= currentLevel {
		e.entry.Warnf(format, v...)
	}
}

func (e *Entry) Error(format string, v ...any) {
	e.entry.Errorf(format, v...)
}
