package core

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

const (
	ErrCodeUnknownError    string = "UNKNOWN_ERROR"
	ErrCodeIllegalArgument string = "ILLEGAL_ARGUMENT"
	ErrCodeServiceDegraded string = "SERVICE_DEGRADED"
)

var (
	ErrUnknownError    *Err = NewErrfCode(ErrCodeUnknownError, "Unknown Error")
	ErrIllegalArgument *Err = NewErrfCode(ErrCodeIllegalArgument, "Illegal Argument")
	ErrServiceDegraded *Err = NewErrfCode(ErrCodeServiceDegraded, "Service Degraded")
)

// Service error.
//
// Carries an optional code, a message that may be shown to the client, an internal message that is only logged,
// the cause and the stack trace captured when the error is created.
//
//	Use Errf(...), NewErrfCode(...), WrapErr(...) or WrapErrf(...) to instantiate.
type Err struct {
	code        string
	msg         string
	internalMsg string
	stack       string
	err         error
}

func (e *Err) Code() string {
	return e.code
}

func (e *Err) Msg() string {
	return e.msg
}

func (e *Err) InternalMsg() string {
	return e.internalMsg
}

func (e *Err) StackTrace() string {
	return e.stack
}

func (e *Err) HasCode() bool {
	return strings.TrimSpace(e.code) != ""
}

func (e *Err) Error() string {
	tok := make([]string, 0, 3)
	if e.msg != "" {
		tok = append(tok, e.msg)
	}
	if e.internalMsg != "" {
		tok = append(tok, e.internalMsg)
	}
	if e.err != nil {
		tok = append(tok, e.err.Error())
	}
	return strings.Join(tok, ", ")
}

func (e *Err) Unwrap() error {
	return e.err
}

// Returns true, if both are *Err and the code matches.
//
//	var e1 = ErrIllegalArgument.WithInternalMsg(...)
//	errors.Is(e1, ErrIllegalArgument) // true
func (e *Err) Is(target error) bool {
	if te, ok := target.(*Err); ok && e.code != "" && e.code == te.code {
		return true
	}
	return false
}

// Create a copy with the internal message.
func (e *Err) WithInternalMsg(msg string, args ...any) *Err {
	n := e.copyNew()
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	n.internalMsg = msg
	n.withStack()
	return n
}

// Create a copy that wraps the cause, nil is returned if cause is nil.
func (e *Err) Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	n := e.copyNew()
	n.err = cause
	n.withStack()
	return n
}

func (e *Err) copyNew() *Err {
	n := *e
	return &n
}

func (e *Err) withStack() *Err {
	e.stack = stack(4)
	return e
}

// Create new *Err with message.
func Errf(msg string, args ...any) *Err {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return (&Err{msg: msg}).withStack()
}

// Create new *Err with message and error code.
func NewErrfCode(code string, msg string, args ...any) *Err {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return (&Err{msg: msg, code: code}).withStack()
}

// Wrap an error with stacktrace.
//
// If err is nil, nil is returned. If err is already *Err, it's returned directly.
func WrapErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Err); ok {
		return e
	}
	return (&Err{err: err}).withStack()
}

// Wrap an error with message and stacktrace.
//
// If err is nil, nil is returned.
func WrapErrf(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return (&Err{msg: msg, err: err}).withStack()
}

// Find the deepest stacktrace in the error chain.
func UnwrapErrStack(err error) (string, bool) {
	var st string
	ue := err
	for ue != nil {
		if e, ok := ue.(*Err); ok && e != nil {
			st = e.stack
		}
		ue = errors.Unwrap(ue)
	}
	return st, st != ""
}

// Error message with the stacktrace appended, if any.
func ErrorStackTrace(err error) string {
	if err == nil {
		return "nil"
	}
	m := err.Error()
	if st, ok := UnwrapErrStack(err); ok {
		m += st
	}
	return m
}

var stackPool = sync.Pool{
	New: func() any {
		v := make([]uintptr, 50)
		return &v
	},
}

func stack(n int) string {
	pcs := stackPool.Get().(*[]uintptr)
	defer func() {
		clear(*pcs)
		stackPool.Put(pcs)
	}()

	length := runtime.Callers(n, *pcs)
	frames := runtime.CallersFrames((*pcs)[:length])
	b := strings.Builder{}
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf("\n\t%v\n\t\t%v:%v", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return b.String()
}
