// Package logger provides structured logging with automatic API-key redaction.
//
// It wraps Go's standard log/slog with convenience functions for run
// lifecycle logging, socket session logging, and upstream provider call
// logging. All exported functions use the global DefaultLogger, which reads
// its level from the LOG_LEVEL environment variable at startup.
package logger

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// Warn logs a warning message with structured attributes.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// RunStarted logs the start of a streaming run.
func RunStarted(uid, rid, provider, model string, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"uid", uid,
		"rid", rid,
		"provider", provider,
		"model", model,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🚀 Run started", allAttrs...)
}

// RunFinished logs a terminal run transition with its final sequence number.
func RunFinished(uid, rid, phase string, seq int64, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"uid", uid,
		"rid", rid,
		"phase", phase,
		"seq", seq,
	)
	allAttrs = append(allAttrs, attrs...)
	if phase == "error" {
		Warn("⛔ Run failed", allAttrs...)
		return
	}
	Info("✅ Run finished", allAttrs...)
}

// SocketOpened logs a new client socket subscription.
func SocketOpened(uid, socketID string) {
	Debug("🔌 Socket opened", "uid", uid, "socket", socketID)
}

// SocketClosed logs a client socket leaving its uid's socket set.
func SocketClosed(uid, socketID string) {
	Debug("🔌 Socket closed", "uid", uid, "socket", socketID)
}

// ProviderRequest logs an upstream call at debug level with the URL redacted.
func ProviderRequest(provider, method, url string) {
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	Debug("🔵 Provider request", "provider", provider, "method", method, "url", RedactSensitiveData(url))
}

// ProviderError logs an upstream call failure.
func ProviderError(provider string, err error, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "provider", provider, "error", RedactSensitiveData(err.Error()))
	allAttrs = append(allAttrs, attrs...)
	Error("❌ Provider call failed", allAttrs...)
}

var (
	// apiKeyPatterns contains compiled regular expressions for detecting sensitive data.
	// Patterns match common API key formats from the supported providers.
	apiKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),   // OpenAI / OpenRouter API keys
		regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),   // Google API keys
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_-]+`), // Bearer tokens
	}
)

// RedactSensitiveData removes API keys and other sensitive information from
// strings. Matched patterns are replaced with a redacted form that preserves
// the first few characters for debugging while hiding the sensitive portion.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}
