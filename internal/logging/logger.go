// Package logging provides the structured logger shared by every FTL
// component. It wraps logrus with a compact caller-aware formatter so log
// lines read the same whether they come from the allocator, the GC, or the
// pipeline.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Log is the package-wide logger. It is safe to use before Init is
	// called; uninitialized, it writes to stderr at info level.
	Log = logrus.New()
)

// Config controls where and how verbosely the FTL logs.
type Config struct {
	// Path is the log file to append to. Empty means stderr only.
	Path string
	// Level is one of debug|info|warn|error|fatal|panic. Empty defaults to info.
	Level string
}

type callerFormatter struct{}

func (callerFormatter) Format(e *logrus.Entry) ([]byte, error) {
	ts := e.Time.Format("15:04:05.000")
	level := strings.ToUpper(e.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", ts, level, caller(), e.Message)
	return []byte(msg), nil
}

// caller walks past logrus frames to find the first application frame.
func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen/logrus") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Init configures the package logger. ftl.New does not call it; the
// program embedding the FTL (cmd/ftlctl) calls it once at startup.
func Init(cfg Config) error {
	Log.SetFormatter(callerFormatter{})
	Log.SetLevel(parseLevel(cfg.Level))

	if cfg.Path == "" {
		Log.SetOutput(os.Stderr)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		Log.SetOutput(os.Stderr)
		return fmt.Errorf("logging: create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		Log.SetOutput(os.Stderr)
		return fmt.Errorf("logging: open log file: %w", err)
	}
	Log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func Debugf(format string, args ...interface{}) { Log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Log.Errorf(format, args...) }
