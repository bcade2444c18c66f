package log

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures NewZapLogger. It carries the level, path, caller and
// rotation fields of conf.Logger; conf.Logger's TraceID and NoPid have no
// counterpart here.
type Options struct {
	Level      string
	Path       string
	Caller     bool
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// NewZapLogger builds a Logger on top of zap, writing JSON lines to stderr
// and, when Path is set, to a lumberjack-rotated file.
func NewZapLogger(o Options) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.LevelKey = "level"
	encCfg.MessageKey = "msg"
	encoder := zapcore.NewJSONEncoder(encCfg)

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if o.Path != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.Path,
			MaxSize:    fallback(o.MaxSize, 100),
			MaxAge:     fallback(o.MaxAge, 7),
			MaxBackups: fallback(o.MaxBackups, 5),
			Compress:   o.Compress,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), zapLevelEnabler(o.Level))

	opts := []zap.Option{zap.AddCallerSkip(2)}
	if o.Caller {
		opts = append(opts, zap.AddCaller())
	}

	return &zapLogger{z: zap.New(core, opts...)}
}

func fallback(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func zapLevelEnabler(level string) zapcore.LevelEnabler {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type zapLogger struct {
	z *zap.Logger
}

func (l *zapLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}

	msg := ""
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] == DefaultMessageKey {
			msg, _ = keyvals[i+1].(string)
		}
	}

	switch level {
	case LevelDebug:
		l.z.Debug(msg, fields...)
	case LevelInfo:
		l.z.Info(msg, fields...)
	case LevelWarn:
		l.z.Warn(msg, fields...)
	case LevelError, LevelFatal:
		l.z.Error(msg, fields...)
	}
	return nil
}
