// Package log provides the structured logging facade used across kestrel.
// It mirrors a small, dependency-light subset of the familiar
// Logger/Helper/Valuer split so call sites never import zap directly.
package log

import (
	"fmt"
	"os"
	"sync"
)

// Level is a logging priority.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// DefaultMessageKey is the key used for the free-form message argument
// passed to Errorw/Infow/Warnw/Debugw style calls.
const DefaultMessageKey = "msg"

// Logger is the minimal structured-logging sink. keyvals is a flattened
// key/value list, always even-length; a Valuer value is resolved lazily
// at log time.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

// Valuer returns a value evaluated at the moment Log is called, letting
// callers bind things like timestamps or caller info once via With.
type Valuer func() interface{}

func bindValues(keyvals []interface{}) {
	for i := 1; i < len(keyvals); i += 2 {
		if v, ok := keyvals[i].(Valuer); ok {
			keyvals[i] = v()
		}
	}
}

// Timestamp returns a Valuer that formats time.Now using layout.
func Timestamp(layout string) Valuer {
	return func() interface{} {
		return nowFunc().Format(layout)
	}
}

type logger struct {
	logger Logger
	prefix []interface{}
	hasValuer bool
	mu     sync.Mutex
}

func (l *logger) Log(level Level, keyvals ...interface{}) error {
	kvs := make([]interface{}, 0, len(l.prefix)+len(keyvals))
	l.mu.Lock()
	kvs = append(kvs, l.prefix...)
	l.mu.Unlock()
	kvs = append(kvs, keyvals...)
	if l.hasValuer {
		bindValues(kvs)
	}
	return l.logger.Log(level, kvs...)
}

// With wraps logger binding the given key/value pairs to every subsequent
// call. Values implementing Valuer are re-evaluated every call.
func With(l Logger, keyvals ...interface{}) Logger {
	c, ok := l.(*logger)
	if !ok {
		return &logger{logger: l, prefix: keyvals, hasValuer: containsValuer(keyvals)}
	}
	kvs := make([]interface{}, 0, len(c.prefix)+len(keyvals))
	kvs = append(kvs, c.prefix...)
	kvs = append(kvs, keyvals...)
	return &logger{logger: c.logger, prefix: kvs, hasValuer: containsValuer(kvs)}
}

func containsValuer(keyvals []interface{}) bool {
	for i := 1; i < len(keyvals); i += 2 {
		if _, ok := keyvals[i].(Valuer); ok {
			return true
		}
	}
	return false
}

// FilterOption configures NewFilter.
type FilterOption func(*filter)

// FilterLevel hides log entries below level.
func FilterLevel(level Level) FilterOption {
	return func(f *filter) { f.level = level }
}

// FilterKey redacts the named keys' values with "***".
func FilterKey(keys ...string) FilterOption {
	return func(f *filter) {
		for _, k := range keys {
			f.keys[k] = struct{}{}
		}
	}
}

type filter struct {
	logger Logger
	level  Level
	keys   map[string]struct{}
}

// NewFilter returns a Logger that drops entries below the configured
// level and redacts configured keys.
func NewFilter(l Logger, opts ...FilterOption) Logger {
	f := &filter{logger: l, keys: map[string]struct{}{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.level {
		return nil
	}
	if len(f.keys) > 0 {
		kvs := make([]interface{}, len(keyvals))
		copy(kvs, keyvals)
		for i := 0; i+1 < len(kvs); i += 2 {
			if key, ok := kvs[i].(string); ok {
				if _, redact := f.keys[key]; redact {
					kvs[i+1] = "***"
				}
			}
		}
		return f.logger.Log(level, kvs...)
	}
	return f.logger.Log(level, keyvals...)
}

// stdLogger writes plain text to an io.Writer-backed fmt.Println sink; used
// as the zero-value DefaultLogger before SetLogger installs a real backend.
type stdLogger struct{}

func (stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	buf := make([]interface{}, 0, len(keyvals)+2)
	buf = append(buf, "level", level.String())
	buf = append(buf, keyvals...)
	_, err := fmt.Fprintln(os.Stderr, buf...)
	return err
}

// DefaultLogger is the process-wide logger used before SetLogger is called.
var DefaultLogger Logger = stdLogger{}

var (
	globalMu     sync.RWMutex
	global       Logger = DefaultLogger
	globalHelper        = NewHelper(DefaultLogger)
)

// SetLogger installs l as the process-wide logger used by package-level
// helpers (Infof, Debugf, ...) and by Context when no per-request logger
// has been attached.
func SetLogger(l Logger) {
	globalMu.Lock()
	global = l
	globalHelper = NewHelper(l)
	globalMu.Unlock()
}

// GetLogger returns the process-wide logger installed via SetLogger.
func GetLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func helper() *Helper {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHelper
}

// Enabled reports whether the process-wide logger would emit at level.
// Loggers that don't expose a level (the common case) always return true;
// filters installed via NewFilter(..., FilterLevel(...)) are level-aware.
func Enabled(level Level) bool {
	l := GetLogger()
	if f, ok := l.(*filter); ok {
		return level >= f.level
	}
	return true
}

func Debugf(format string, args ...interface{}) { helper().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { helper().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { helper().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { helper().Errorf(format, args...) }
func Errorw(keyvals ...interface{})             { helper().Errorw(keyvals...) }
func Infow(keyvals ...interface{})              { helper().Infow(keyvals...) }
func Warnw(keyvals ...interface{})              { helper().Warnw(keyvals...) }
func Debugw(keyvals ...interface{})             { helper().Debugw(keyvals...) }

// Fatal logs at LevelFatal then terminates the process.
func Fatal(args ...interface{}) {
	helper().logw(LevelFatal, DefaultMessageKey, fmt.Sprint(args...))
	os.Exit(1)
}

// Fatalf logs at LevelFatal then terminates the process.
func Fatalf(format string, args ...interface{}) {
	helper().logw(LevelFatal, DefaultMessageKey, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// nowFunc is overridable in tests.
var nowFunc = defaultNow
