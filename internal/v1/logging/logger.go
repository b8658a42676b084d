package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	RoomIDKey        contextKey = "room_id"
	ChannelIDKey     contextKey = "channel_id"
)

// Initialize sets up the global logger based on the environment
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		// Common configuration
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// appendContextFields adds the context's correlation/room/channel fields to fields
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", rid))
	}
	if chid, ok := ctx.Value(ChannelIDKey).(string); ok {
		fields = append(fields, zap.String("channel_id", chid))
	}

	// Default service name
	fields = append(fields, zap.String("service", "conversation-orchestrator"))

	return fields
}

// WithRoom returns a child context carrying room_id for subsequent log calls.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// WithChannel returns a child context carrying channel_id for subsequent log calls.
func WithChannel(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, ChannelIDKey, channelID)
}

// Redact masks a channel-side address before it reaches the logs.
// Addresses here are whatever an external provider uses to name a
// sender: an email, a phone number in an sms/whatsapp channel id, or an
// opaque platform user id. Logged in full they are PII; masked they are
// still distinguishable enough to correlate log lines.
//
//	ada@example.com      -> a***@example.com
//	sms:+15550100        -> sms:*******00
//	U0G9QF9C6            -> U0*******
func Redact(address string) string {
	if address == "" {
		return ""
	}
	if at := strings.LastIndex(address, "@"); at > 0 {
		return address[:1] + "***" + address[at:]
	}
	// channel-prefixed addresses ("sms:+15550100") keep their prefix
	prefix := ""
	rest := address
	if colon := strings.Index(address, ":"); colon > 0 {
		prefix = address[:colon+1]
		rest = address[colon+1:]
	}
	if isPhone(rest) {
		masked := strings.Repeat("*", len(rest)-2) + rest[len(rest)-2:]
		return prefix + masked
	}
	if len(rest) <= 2 {
		return prefix + strings.Repeat("*", len(rest))
	}
	return prefix + rest[:2] + strings.Repeat("*", len(rest)-2)
}

// isPhone reports whether s looks like a phone number: an optional
// leading + followed by digits (spaces and dashes tolerated).
func isPhone(s string) bool {
	if s == "" {
		return false
	}
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	return digits >= 5
}
