package lms

import (
	"context"
	"fmt"
	"strings"
)

// Logger is the structured logger used across the module. Arguments after
// the message are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggerProvider hands out named loggers
type LoggerProvider interface {
	GetLogger(name string) Logger
}

// LoggerProviderFunc adapts a function into a LoggerProvider
type LoggerProviderFunc func(name string) Logger

// GetLogger satisfies LoggerProvider
func (f LoggerProviderFunc) GetLogger(name string) Logger {
	if f == nil {
		return nil
	}
	return f(name)
}

// TokenVerifier verifies a raw bearer token and returns its claims
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// EmailSource resolves an email for claims that do not carry one
type EmailSource interface {
	Email(ctx context.Context, claims *Claims) (string, error)
}

// Profile is the user profile returned by the identity provider
type Profile map[string]any

// Email returns the profile email claim
func (p Profile) Email() string {
	email, _ := p["email"].(string)
	return email
}

// ProfileSource fetches the provider profile of the caller
type ProfileSource interface {
	Profile(ctx context.Context, claims *Claims) (Profile, error)
}

// ResolveLogger picks the logger for name. A provider that returns a logger
// wins over fallback, and the default logger is used when both are nil. The
// returned provider always hands out a usable logger.
func ResolveLogger(name string, provider LoggerProvider, fallback Logger) (LoggerProvider, Logger) {
	var logger Logger
	if provider != nil {
		logger = provider.GetLogger(name)
	}

	if logger == nil {
		logger = fallback
	}

	if logger == nil {
		logger = defLogger{name: name}
	}

	if provider == nil {
		return staticProvider{logger: logger}, logger
	}

	return fallbackProvider{provider: provider, fallback: logger}, logger
}

type staticProvider struct {
	logger Logger
}

func (p staticProvider) GetLogger(string) Logger {
	return p.logger
}

type fallbackProvider struct {
	provider LoggerProvider
	fallback Logger
}

func (p fallbackProvider) GetLogger(name string) Logger {
	if l := p.provider.GetLogger(name); l != nil {
		return l
	}
	return p.fallback
}

type defLogger struct {
	name string
}

func (d defLogger) Error(msg string, args ...any) {
	d.print("ERR", msg, args...)
}

func (d defLogger) Warn(msg string, args ...any) {
	d.print("WRN", msg, args...)
}

func (d defLogger) Info(msg string, args ...any) {
	d.print("INF", msg, args...)
}

func (d defLogger) Debug(msg string, args ...any) {
	d.print("DBG", msg, args...)
}

func (d defLogger) print(level, msg string, args ...any) {
	name := d.name
	if name == "" {
		name = "lms"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", level, strings.ToUpper(name), msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	fmt.Println(b.String())
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything
func NopLogger() Logger {
	return nopLogger{}
}
