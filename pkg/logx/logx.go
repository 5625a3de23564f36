// Package logx writes the component-tagged log lines shared by every gameforge
// package, with debug output gated per domain (repair, sandbox, fuzz, ...).
package logx

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// DebugConfig selects which domains emit debug lines. A nil Domains set
// means every domain.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool
}

// Logger tags each line with the component that wrote it.
type Logger struct {
	component string
	logger    *log.Logger
}

type ctxKey int

const sessionKey ctxKey = iota

var (
	debugMu sync.RWMutex
	debug   = &DebugConfig{}

	sinkMu sync.RWMutex
	sink   io.Writer = os.Stderr
)

func init() { //nolint:gochecknoinits // DEBUG and DEBUG_DOMAINS apply before flags are parsed
	loadDebugEnv()
}

// loadDebugEnv honours DEBUG=1 and DEBUG_DOMAINS=repair,sandbox,fuzz.
func loadDebugEnv() {
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		SetDebug(true)
	}
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		SetDebugDomains(strings.Split(v, ","))
	}
}

// SetOutput sends every logger's lines to w; nil means stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	sinkMu.Lock()
	sink = w
	sinkMu.Unlock()
}

type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	sinkMu.RLock()
	w := sink
	sinkMu.RUnlock()
	return w.Write(p) //nolint:wrapcheck
}

func NewLogger(component string) *Logger {
	return &Logger{component: component, logger: log.New(sinkWriter{}, "", 0)}
}

func SetDebug(enabled bool) {
	debugMu.Lock()
	debug.Enabled = enabled
	debugMu.Unlock()
}

// SetDebugDomains restricts debug output to the named domains. An empty list
// lifts the restriction.
func SetDebugDomains(domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	if len(domains) == 0 {
		debug.Domains = nil
		return
	}
	debug.Domains = make(map[string]bool, len(domains))
	for _, d := range domains {
		debug.Domains[strings.TrimSpace(d)] = true
	}
}

func IsDebugEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debug.Enabled
}

func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debug.Enabled && (debug.Domains == nil || debug.Domains[domain])
}

// WithSession tags ctx so package-level Debug lines name the repair session.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

func SessionFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

func (l *Logger) log(level Level, format string, args ...any) {
	l.logger.Printf("[%s] [%s] %s: %s",
		time.Now().UTC().Format(timestampFormat), l.component, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) {
	if IsDebugEnabled() {
		l.log(LevelDebug, format, args...)
	}
}

func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// DebugState records an FSM step, e.g. DebugState("enter", "FUZZING").
func (l *Logger) DebugState(action, state string, extra ...string) {
	l.Debug("State %s: %s%s", action, state, detail(extra))
}

func (l *Logger) Component() string { return l.component }

// WithComponent returns a logger on the same sink under another tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, logger: l.logger}
}

// Debug writes a domain-filtered debug line tagged with the session from ctx.
//
//	DEBUG=1 DEBUG_DOMAINS=fuzz,sandbox gameforge generate ...
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	tag := SessionFrom(ctx)
	if tag == "" {
		tag = "no-session"
	}
	NewLogger(tag).log(LevelDebug, "[%s] %s", domain, fmt.Sprintf(format, args...))
}

func DebugState(ctx context.Context, domain, action, state string, extra ...string) {
	Debug(ctx, domain, "State %s: %s%s", action, state, detail(extra))
}

// DebugFlow records a pipeline step such as ("planner", "done").
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	Debug(ctx, domain, "Flow %s: %s%s", step, status, detail(extra))
}

func detail(extra []string) string {
	if len(extra) == 0 {
		return ""
	}
	return " - " + extra[0]
}

var defaultLogger = NewLogger("gameforge")

func Infof(format string, args ...any) { defaultLogger.Info(format, args...) }
func Warnf(format string, args ...any) { defaultLogger.Warn(format, args...) }

// Errorf builds the error, logs it, and returns it.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err)
	return err
}

// Wrap is Errorf("%s: %w", msg, err) that passes a nil err through.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Errorf("%s: %w", msg, err)
}
