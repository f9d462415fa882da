// Package logging builds the process zap logger and adapts it to the small
// Logger interface the handbook packages accept.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RFC3339Micros is the timestamp layout used in log entries.
const RFC3339Micros = "2006-01-02T15:04:05.000000Z07:00"

// Logger is the structured logging surface used across the module. Key/value
// pairs follow the zap sugared convention.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options controls logger construction.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	Output io.Writer
}

func encodeTimeMicros(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(RFC3339Micros))
}

// encodeSeverity maps zap levels to Cloud Logging severity names.
func encodeSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var severity string
	switch level {
	case zapcore.DebugLevel:
		severity = "DEBUG"
	case zapcore.InfoLevel:
		severity = "INFO"
	case zapcore.WarnLevel:
		severity = "WARNING"
	case zapcore.ErrorLevel:
		severity = "ERROR"
	case zapcore.DPanicLevel:
		severity = "CRITICAL"
	case zapcore.PanicLevel:
		severity = "ALERT"
	case zapcore.FatalLevel:
		severity = "EMERGENCY"
	default:
		severity = "DEFAULT"
	}
	enc.AppendString(severity)
}

// ParseLevel converts a textual level into a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = encodeTimeMicros
	cfg.LevelKey = "severity"
	cfg.EncodeLevel = encodeSeverity
	cfg.MessageKey = "message"
	cfg.CallerKey = "caller"
	return cfg
}

// New builds a zap logger from opts. Output defaults to stderr so command
// output on stdout stays machine readable.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encoderConfig())
	case "console":
		enc = zapcore.NewConsoleEncoder(encoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	var sink zapcore.WriteSyncer
	if opts.Output != nil {
		sink = zapcore.AddSync(opts.Output)
	} else {
		sink = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}
	return zap.New(zapcore.NewCore(enc, sink, level), zap.AddCaller()), nil
}

type sugared struct{ s *zap.SugaredLogger }

func (l sugared) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l sugared) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l sugared) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l sugared) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

// Sugar adapts a zap logger to Logger.
func Sugar(l *zap.Logger) Logger {
	if l == nil {
		return Nop()
	}
	return sugared{s: l.Sugar()}
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return sugared{s: zap.NewNop().Sugar()} }
