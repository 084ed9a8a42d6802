package core

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const (
	XTraceId = "X-B3-TraceId"
	XSpanId  = "X-B3-SpanId"
)

// Rail, an object that carries trace information along with the execution.
//
// Logs written through Rail include the trace id, span id and the caller.
type Rail struct {
	ctx context.Context
}

// Create new Rail from context, trace id and span id are generated if missing.
func NewRail(ctx context.Context) Rail {
	if ctx.Value(XSpanId) == nil {
		ctx = context.WithValue(ctx, XSpanId, NewSpanId()) //lint:ignore SA1029 keys are exposed for propagation
	}
	if ctx.Value(XTraceId) == nil {
		ctx = context.WithValue(ctx, XTraceId, NewTraceId()) //lint:ignore SA1029 keys are exposed for propagation
	}
	return Rail{ctx: ctx}
}

// Create empty Rail.
func EmptyRail() Rail {
	return NewRail(context.Background())
}

func NewTraceId() string {
	t := [8]byte{}
	binary.NativeEndian.PutUint64(t[:], rand.Uint64())
	return hex.EncodeToString(t[:])
}

func NewSpanId() string {
	s := [8]byte{}
	binary.NativeEndian.PutUint64(s[:], rand.Uint64())
	return hex.EncodeToString(s[:])
}

func (r Rail) Context() context.Context {
	return r.ctx
}

func (r Rail) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r Rail) IsDone() bool {
	return r.ctx.Err() != nil
}

func (r Rail) CtxValue(key string) any {
	return r.ctx.Value(key)
}

func (r Rail) CtxValStr(key string) string {
	v := r.ctx.Value(key)
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

func (r Rail) TraceId() string {
	return r.CtxValStr(XTraceId)
}

func (r Rail) SpanId() string {
	return r.CtxValStr(XSpanId)
}

func (r Rail) WithCtxVal(key string, val any) Rail {
	return NewRail(context.WithValue(r.ctx, key, val)) //lint:ignore SA1029 keys are exposed for propagation
}

// Create a new Rail with the same trace id, a new span id and a new Context.
//
// The returned Rail is not cancelled when the previous one is.
func (r Rail) NextSpan() Rail {
	ctx := context.WithValue(context.Background(), XTraceId, r.ctx.Value(XTraceId)) //lint:ignore SA1029 keys are exposed for propagation
	return NewRail(context.WithValue(ctx, XSpanId, NewSpanId()))                    //lint:ignore SA1029 keys are exposed for propagation
}

// Create new Rail with context's CancelFunc
func (r Rail) WithCancel() (Rail, context.CancelFunc) {
	cc, cancel := context.WithCancel(r.ctx)
	return NewRail(cc), cancel
}

// Create new Rail with timeout and context's CancelFunc
func (r Rail) WithTimeout(timeout time.Duration) (Rail, context.CancelFunc) {
	cc, cancel := context.WithTimeout(r.ctx, timeout)
	return NewRail(cc), cancel
}

// Create new Rail that uses the given context, trace id and span id are carried over.
func (r Rail) WithContext(ctx context.Context) Rail {
	ctx = context.WithValue(ctx, XTraceId, r.ctx.Value(XTraceId)) //lint:ignore SA1029 keys are exposed for propagation
	ctx = context.WithValue(ctx, XSpanId, r.ctx.Value(XSpanId))   //lint:ignore SA1029 keys are exposed for propagation
	return Rail{ctx: ctx}
}

func (r Rail) logf(level logrus.Level, format string, args ...any) {
	if !logger.IsLevelEnabled(level) {
		return
	}
	if level <= logrus.WarnLevel {
		format = appendErrStack(format, args...)
	} else if len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	logger.WithFields(logrus.Fields{
		XTraceId:    r.TraceId(),
		XSpanId:     r.SpanId(),
		callerField: getCallerFn(4),
	}).Log(level, format)
}

// format the message, then append the stacktrace of the last error argument if it carries one.
func appendErrStack(format string, args ...any) string {
	if len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	for i := len(args) - 1; i > -1; i-- {
		if err, ok := args[i].(error); ok {
			if st, withStack := UnwrapErrStack(err); withStack {
				format += st
			}
			break
		}
	}
	return format
}

func (r Rail) Debugf(format string, args ...any) {
	r.logf(logrus.DebugLevel, format, args...)
}

func (r Rail) Infof(format string, args ...any) {
	r.logf(logrus.InfoLevel, format, args...)
}

func (r Rail) Warnf(format string, args ...any) {
	r.logf(logrus.WarnLevel, format, args...)
}

func (r Rail) Errorf(format string, args ...any) {
	r.logf(logrus.ErrorLevel, format, args...)
}

func (r Rail) Debug(msg string) {
	r.logf(logrus.DebugLevel, msg)
}

func (r Rail) Info(msg string) {
	r.logf(logrus.InfoLevel, msg)
}

func (r Rail) Warn(msg string) {
	r.logf(logrus.WarnLevel, msg)
}

func (r Rail) Error(msg string) {
	r.logf(logrus.ErrorLevel, msg)
}

// Log the error if it's not nil.
func (r Rail) ErrorIf(err error, op string, args ...any) {
	if err == nil {
		return
	}
	if len(args) > 0 {
		op = fmt.Sprintf(op, args...)
	}
	r.logf(logrus.ErrorLevel, "%v, %v", op, err)
}
