// Package logger wraps log/slog with the attributes the streaming core needs
// on every record: an instance id for multi-replica deployments and
// per-request context (request id, stream id, client identity).
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// instanceID is a unique identifier for this server instance, used to
// correlate logs when several replicas share a log sink.
var instanceID string

func init() {
	instanceID = os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = os.Getenv("HOSTNAME")
	}
	if instanceID == "" {
		b := make([]byte, 4)
		rand.Read(b)
		instanceID = hex.EncodeToString(b)
	}
}

// GetInstanceID returns the instance id for this server.
func GetInstanceID() string {
	return instanceID
}

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
}

type contextKey string

const (
	// ContextKeyRequestID is the key for the HTTP request id in the context.
	ContextKeyRequestID contextKey = "request_id"
	// ContextKeyStreamID is the key for the stream-session id in the context.
	ContextKeyStreamID contextKey = "stream_id"
	// ContextKeyClientID is the key for the bot-identity id in the context.
	ContextKeyClientID contextKey = "client_id"
)

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the given config.
func New(config Config) *Logger {
	if config.Format == "json" {
		opts := &slog.HandlerOptions{
			Level:     config.Level,
			AddSource: true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{
						Key:   a.Key,
						Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
					}
				}
				return a
			},
		}
		return &Logger{
			Logger: slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(slog.String("instance_id", instanceID)),
		}
	}

	opts := &tint.Options{
		Level:      config.Level,
		AddSource:  true,
		TimeFormat: time.Kitchen,
	}
	return &Logger{
		Logger: slog.New(tint.NewHandler(os.Stdout, opts)).With(slog.String("instance_id", instanceID)),
	}
}

// FromConfig creates a logger configuration from level and format strings.
func FromConfig(logLevel, logFormat string) Config {
	config := Config{
		Level:  slog.LevelInfo,
		Format: "text",
	}

	switch logLevel {
	case "debug":
		config.Level = slog.LevelDebug
	case "info":
		config.Level = slog.LevelInfo
	case "warn":
		config.Level = slog.LevelWarn
	case "error":
		config.Level = slog.LevelError
	}

	if logFormat != "" {
		config.Format = logFormat
	}

	// Use JSON format in production.
	if env := os.Getenv("APP_ENV"); env == "production" {
		config.Format = "json"
	}

	return config
}

// WithContext creates a new logger carrying request-scoped attributes.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok && requestID != "" {
		logger = logger.With(slog.String("request_id", requestID))
	}
	if streamID, ok := ctx.Value(ContextKeyStreamID).(string); ok && streamID != "" {
		logger = logger.With(slog.String("stream_id", streamID))
	}
	if clientID, ok := ctx.Value(ContextKeyClientID).(string); ok && clientID != "" {
		logger = logger.With(slog.String("client_id", clientID))
	}

	return &Logger{Logger: logger}
}

// WithComponent creates a new logger with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("component", component)),
	}
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
