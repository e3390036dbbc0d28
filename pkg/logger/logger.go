// Package logger provides structured logging for the exchange
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs
	RequestIDKey ContextKey = "request_id"
	// AuctionIDKey is the context key for auction IDs
	AuctionIDKey ContextKey = "auction_id"
)

var (
	// Log is the global logger instance
	Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", "adx").Logger()
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // time format for console output
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	Log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "adx").
		Logger()
}

// WithRequestID adds a request ID to the logger context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithAuctionID adds an auction ID to the logger context
func WithAuctionID(ctx context.Context, auctionID string) context.Context {
	return context.WithValue(ctx, AuctionIDKey, auctionID)
}

// FromContext returns a logger with context values
func FromContext(ctx context.Context) zerolog.Logger {
	l := Log.With()

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		l = l.Str("request_id", requestID)
	}

	if auctionID, ok := ctx.Value(AuctionIDKey).(string); ok {
		l = l.Str("auction_id", auctionID)
	}

	return l.Logger()
}

// Auction returns a logger for auction events
func Auction(auctionID string) zerolog.Logger {
	return Log.With().Str("auction_id", auctionID).Logger()
}

// Endpoint returns a logger for trading partner events
func Endpoint(endpointID string) zerolog.Logger {
	return Log.With().Str("endpoint", endpointID).Logger()
}

// Fraud returns a logger for fraud scoring events
func Fraud() zerolog.Logger {
	return Log.With().Str("component", "fraud").Logger()
}

// HTTP returns a logger for HTTP events
func HTTP() zerolog.Logger {
	return Log.With().Str("component", "http").Logger()
}

// Storage returns a logger for storage and event-writer events
func Storage() zerolog.Logger {
	return Log.With().Str("component", "storage").Logger()
}

// RequestLogger logs the completion of one HTTP request
type RequestLogger struct {
	logger zerolog.Logger
	start  time.Time
}

// NewRequestLogger starts timing a request
func NewRequestLogger(requestID, method, path string) *RequestLogger {
	return &RequestLogger{
		logger: HTTP().With().
			Str("request_id", requestID).
			Str("method", method).
			Str("path", path).
			Logger(),
		start: time.Now(),
	}
}

// LogComplete logs the final status and duration. Server errors log at error level.
func (r *RequestLogger) LogComplete(status int) {
	event := r.logger.Info()
	if status >= 500 {
		event = r.logger.Error()
	}
	event.Int("status", status).
		Dur("duration_ms", time.Since(r.start)).
		Msg("request completed")
}
