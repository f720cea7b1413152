package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/arbiter/model"
)

// NewLogger builds a production zap logger writing JSON to stdout at the
// given level. Level conventions:
//
//	debug - per-request detail, condition evaluation, scheduler ticks
//	info  - lifecycle transitions, dispatches, config reloads
//	warn  - recoverable faults: delivery failures, idempotency store errors
//	error - persistence failures, unrecoverable handler errors
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(lvl),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}

type loggerKey struct{}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom extracts the logger from the context, falling back to the
// global no-op logger so callers never nil-check.
func LoggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// RequestLogger derives a per-request logger carrying the identity and
// correlation fields from the RequestContext.
func RequestLogger(base *zap.Logger, rctx *model.RequestContext) *zap.Logger {
	if rctx == nil {
		return base
	}
	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return base.With(fields...)
}

// defaultSensitiveFields are redacted from any payload logged at debug level.
var defaultSensitiveFields = map[string]struct{}{
	"password":      {},
	"token":         {},
	"secret":        {},
	"authorization": {},
	"api_key":       {},
	"ssn":           {},
	"credit_card":   {},
}

// RedactBody returns a copy of a JSON object with sensitive fields replaced
// by "[REDACTED]". Non-object payloads are returned unchanged. Nested objects
// are redacted recursively.
func RedactBody(body []byte) []byte {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}

	redactMap(parsed)

	redacted, err := json.Marshal(parsed)
	if err != nil {
		return body
	}
	return redacted
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if _, sensitive := defaultSensitiveFields[strings.ToLower(k)]; sensitive {
			m[k] = "[REDACTED]"
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			redactMap(nested)
		case []any:
			for _, item := range nested {
				if obj, ok := item.(map[string]any); ok {
					redactMap(obj)
				}
			}
		}
	}
}
