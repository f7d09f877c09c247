// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Gin context keys read by RequestLogger.
const (
	RequestIDKey = "requestId"
	LockKeyKey   = "lockKey"
	LockOpKey    = "lockOperation"
	LockTokenKey = "lockToken"
)

// RequestIDMetadata is the gRPC metadata key carrying a request ID.
const RequestIDMetadata = "x-request-id"

// New creates a logger in the given format: "pretty" for console output,
// anything else for JSON.
func New(serviceName, level, format string) zerolog.Logger {
	if format == "pretty" {
		return NewPrettyLogger(serviceName, level)
	}
	return NewLogger(serviceName, level)
}

// NewLogger creates a new zerolog logger configured for the service.
func NewLogger(serviceName string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// NewPrettyLogger creates a logger with pretty console output (for development).
func NewPrettyLogger(serviceName string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(consoleWriter).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// SetLockFields records the lock a request touched so RequestLogger can
// include it.
func SetLockFields(c *gin.Context, key, operation string, token int64) {
	c.Set(LockKeyKey, key)
	c.Set(LockOpKey, operation)
	c.Set(LockTokenKey, token)
}

// RequestLogger returns a Gin middleware for HTTP request logging.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		event := logger.Info()
		if statusCode >= 400 && statusCode < 500 {
			event = logger.Warn()
		} else if statusCode >= 500 {
			event = logger.Error()
		}

		event.
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", time.Since(start))

		if requestID := c.GetString(RequestIDKey); requestID != "" {
			event.Str("requestId", requestID)
		}
		if key := c.GetString(LockKeyKey); key != "" {
			event.
				Str("key", key).
				Str("operation", c.GetString(LockOpKey)).
				Int64("token", c.GetInt64(LockTokenKey))
		}
		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		event.Msg("HTTP request")
	}
}

// Implemented by the lock service messages.
type (
	keyedMessage interface{ GetKey() string }
	tokenMessage interface{ GetToken() int64 }
	staleMessage interface{ GetStale() bool }
)

// grpcEvent starts an event at a level matching err and adds the caller's
// address and request ID when known.
func grpcEvent(ctx context.Context, logger zerolog.Logger, err error) *zerolog.Event {
	code := status.Code(err)

	event := logger.Info()
	if code != codes.OK {
		event = logger.Error().Err(err)
	}
	event.Str("code", code.String())

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		event.Str("peer", p.Addr.String())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDMetadata); len(ids) > 0 {
			event.Str("requestId", ids[0])
		}
	}
	return event
}

// GRPCLogger returns a gRPC unary server interceptor for request logging.
// Lock requests are logged with their key and the token sent and returned.
func GRPCLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := grpcEvent(ctx, logger, err).
			Str("type", "grpc_request").
			Str("method", info.FullMethod).
			Dur("latency", time.Since(start))

		if m, ok := req.(keyedMessage); ok {
			event.Str("key", m.GetKey())
		}
		if m, ok := req.(tokenMessage); ok {
			event.Int64("token", m.GetToken())
		}
		if m, ok := resp.(tokenMessage); ok && err == nil {
			event.Int64("resultToken", m.GetToken())
		}
		if m, ok := resp.(staleMessage); ok && m.GetStale() {
			event.Bool("stale", true)
		}

		event.Msg("gRPC request")
		return resp, err
	}
}

// GRPCStreamLogger returns a gRPC stream server interceptor for request logging.
func GRPCStreamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)

		grpcEvent(ss.Context(), logger, err).
			Str("type", "grpc_stream").
			Str("method", info.FullMethod).
			Bool("clientStream", info.IsClientStream).
			Bool("serverStream", info.IsServerStream).
			Dur("latency", time.Since(start)).
			Msg("gRPC stream")

		return err
	}
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext extracts the logger from context.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// LockLogger creates a logger scoped to one key and lease token.
func LockLogger(logger zerolog.Logger, key string, token int64) zerolog.Logger {
	return logger.With().
		Str("key", key).
		Int64("token", token).
		Logger()
}

// CommandLogger creates a logger scoped to one CLI command invocation.
func CommandLogger(logger zerolog.Logger, command string, keys []string) zerolog.Logger {
	return logger.With().
		Str("command", command).
		Strs("keys", keys).
		Logger()
}
