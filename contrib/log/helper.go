package log

import (
	"context"
	"fmt"
)

// Helper wraps a Logger with printf/keyvals convenience methods.
type Helper struct {
	logger Logger
}

// NewHelper returns a Helper backed by l.
func NewHelper(l Logger) *Helper {
	return &Helper{logger: l}
}

// WithContext returns a Helper whose keyvals additionally carry whatever
// the installed context Valuers resolve to for ctx (request id, trace id).
func (h *Helper) WithContext(ctx context.Context) *Helper {
	if ctx == nil {
		return h
	}
	if kvs := valuesFromContext(ctx); len(kvs) > 0 {
		return &Helper{logger: With(h.logger, kvs...)}
	}
	return h
}

// Enabled reports whether h's underlying logger would emit at level.
func (h *Helper) Enabled(level Level) bool {
	if f, ok := h.logger.(*filter); ok {
		return level >= f.level
	}
	return true
}

func (h *Helper) log(level Level, msg string) {
	_ = h.logger.Log(level, DefaultMessageKey, msg)
}

func (h *Helper) logw(level Level, keyvals ...interface{}) {
	_ = h.logger.Log(level, keyvals...)
}

func (h *Helper) Debugf(format string, args ...interface{}) { h.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (h *Helper) Infof(format string, args ...interface{})  { h.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (h *Helper) Warnf(format string, args ...interface{})  { h.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (h *Helper) Errorf(format string, args ...interface{}) { h.log(LevelError, fmt.Sprintf(format, args...)) }

func (h *Helper) Debugw(keyvals ...interface{}) { h.logw(LevelDebug, keyvals...) }
func (h *Helper) Infow(keyvals ...interface{})  { h.logw(LevelInfo, keyvals...) }
func (h *Helper) Warnw(keyvals ...interface{})  { h.logw(LevelWarn, keyvals...) }
func (h *Helper) Errorw(keyvals ...interface{}) { h.logw(LevelError, keyvals...) }

// ctxKeyValues/valuesFromContext let server code attach per-request
// fields (request id, trace id) that every subsequent Context(ctx) call
// picks up without threading a Helper through every function signature.
type ctxKeyValues struct{}

// WithValues returns a context carrying additional keyvals that Context
// will attach to every log line derived from it.
func WithValues(ctx context.Context, keyvals ...interface{}) context.Context {
	existing := valuesFromContext(ctx)
	merged := make([]interface{}, 0, len(existing)+len(keyvals))
	merged = append(merged, existing...)
	merged = append(merged, keyvals...)
	return context.WithValue(ctx, ctxKeyValues{}, merged)
}

func valuesFromContext(ctx context.Context) []interface{} {
	if v, ok := ctx.Value(ctxKeyValues{}).([]interface{}); ok {
		return v
	}
	return nil
}

// Context returns a Helper derived from the process-wide logger, enriched
// with whatever fields were attached to ctx via WithValues.
func Context(ctx context.Context) *Helper {
	return helper().WithContext(ctx)
}
