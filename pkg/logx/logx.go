// Package logx provides leveled logging with per-component prefixes and domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes lines of the form "[timestamp] [component] LEVEL: message".
type Logger struct {
	component string
}

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// FileConfig configures the optional rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type debugState struct {
	enabled bool
	domains map[string]bool // nil enables every domain
}

//nolint:gochecknoglobals // process-wide logging configuration
var (
	debug      = &debugState{}
	debugMutex sync.RWMutex

	// logWriter overrides stderr when set. Tests swap it under logWriterLock.
	logWriter     io.Writer
	logWriterLock sync.Mutex

	fileSink io.WriteCloser
)

func init() { //nolint:gochecknoinits // env-driven debug configuration
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debug.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debug.domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// NewLogger creates a logger that prefixes every line with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetDebug turns debug output on or off for all loggers.
func SetDebug(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debug.enabled = enabled
}

// SetDebugDomains restricts debug output to the given domains. An empty list enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debug.domains = parseDomains(domains)
}

// IsDebugEnabled reports whether debug logging is on.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debug.enabled
}

// IsDebugEnabledForDomain reports whether debug logging is on for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	if !debug.enabled {
		return false
	}
	if debug.domains == nil {
		return true
	}
	return debug.domains[domain]
}

// EnableFileLogging tees every log line into a size-rotated file.
// Calling it again replaces the previous sink.
func EnableFileLogging(cfg FileConfig) error {
	if cfg.Path == "" {
		return fmt.Errorf("log file path cannot be empty")
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
	}
	fileSink = sink
	return nil
}

// SetOutput redirects console output to w (nil means stderr) and returns a
// function restoring the previous writer.
func SetOutput(w io.Writer) (restore func()) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	prev := logWriter
	logWriter = w
	return func() {
		logWriterLock.Lock()
		defer logWriterLock.Unlock()
		logWriter = prev
	}
}

// Close flushes and detaches the file sink, if any.
func Close() error {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

func emit(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	var w io.Writer = os.Stderr
	if logWriter != nil {
		w = logWriter
	}
	fmt.Fprintln(w, line)
	if fileSink != nil {
		fmt.Fprintln(fileSink, line)
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	message := fmt.Sprintf(format, args...)
	emit(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message))
}

// Debug logs only when debug output is enabled.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the logger's prefix.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger with a different prefix.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

type runIDKey struct{}

// WithRunID stores the analysis run ID on ctx for domain debug logging.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run ID stored by WithRunID.
func RunIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Debug logs a domain-scoped debug message.
//
//	DEBUG=1                              # all domains
//	DEBUG=1 DEBUG_DOMAINS=toolloop       # only the tool loop
//	DEBUG=1 DEBUG_DOMAINS=codebase,tools # several domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := RunIDFrom(ctx)
	if component == "" {
		component = "unknown"
	}
	timestamp := time.Now().UTC().Format(timestampFormat)
	message := fmt.Sprintf(format, args...)
	emit(fmt.Sprintf("[%s] [%s] %s: [%s] %s", timestamp, component, LevelDebug, domain, message))
}

//nolint:gochecknoglobals // convenience logger for package-level helpers
var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
