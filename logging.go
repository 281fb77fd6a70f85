package kvload

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIdType int

const (
	requestIdKey correlationIdType = iota
	sessionIdKey
)

type Logger struct {
	*zap.SugaredLogger
}

// log is the package logger, replaced by NewLogger once the generator config is loaded
var log = &Logger{zap.NewNop().Sugar()}

// WithRqId returns a context which knows its request ID
func WithRqId(ctx context.Context, rqId string) context.Context {
	return context.WithValue(ctx, requestIdKey, rqId)
}

// WithSessionId returns a context which knows its session ID
func WithSessionId(ctx context.Context, sessionId string) context.Context {
	return context.WithValue(ctx, sessionIdKey, sessionId)
}

// FromCtx returns a logger with as much context as possible
func (m *Logger) FromCtx(ctx context.Context) *Logger {
	newLogger := m
	if ctx != nil {
		if ctxRqId, ok := ctx.Value(requestIdKey).(string); ok {
			newLogger = &Logger{newLogger.With(zap.String("rqId", ctxRqId))}
		}
		if ctxSessionId, ok := ctx.Value(sessionIdKey).(string); ok {
			newLogger = &Logger{newLogger.With(zap.String("sessionId", ctxSessionId))}
		}
	}
	return newLogger
}

func setupLogger(encoding, level, file string) (*Logger, error) {
	if encoding == "" {
		encoding = "console"
	}
	if level == "" {
		level = "info"
	}
	outputs := []string{"stdout"}
	if file != "" {
		outputs = append(outputs, file)
	}
	out, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	rawJSON := []byte(fmt.Sprintf(`{
	  "level": "%s",
	  "encoding": "%s",
	  "outputPaths": %s,
	  "errorOutputPaths": ["stderr"],
	  "encoderConfig": {
	    "messageKey": "message",
	    "levelKey": "level",
		"levelEncoder": "uppercase",
        "timeKey": "time",
		"timeEncoder": "ISO8601",
		"callerKey": "caller",
		"callerEncoder": "short"
	  }
	}`, level, encoding, out))

	var cfg zap.Config
	if err := json.Unmarshal(rawJSON, &cfg); err != nil {
		return nil, fmt.Errorf("bad logging config: %w", err)
	}
	if encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{logger.Sugar()}, nil
}

// NewLogger builds the package logger from the logging section of the generator config
func NewLogger(c *GeneratorConfig) (*Logger, error) {
	l, err := setupLogger(c.Logging.Encoding, c.Logging.Level, c.Logging.File)
	if err != nil {
		return nil, err
	}
	log = l
	return l, nil
}

// SetLogger replaces the package logger, used by embedders and tests
func SetLogger(l *zap.Logger) {
	log = &Logger{l.Sugar()}
}
