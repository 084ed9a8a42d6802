package core

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

const (
	callerField = "caller"

	traceSpanIdWidth = 16
	fnWidth          = 30
	levelWidth       = 5
)

var (
	logger = newLogger(os.Stdout)

	logBufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}

	callerPcsPool = sync.Pool{
		New: func() any {
			p := make([]uintptr, 4)
			return &p
		},
	}
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&LineFormatter{})
	l.SetReportCaller(false) // caller is resolved by Rail
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Formatter that writes one line per entry:
//
//	2026-01-02 15:04:05.000 INFO  [traceId         ,spanId          ] caller                         : message
type LineFormatter struct {
}

func (c *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fn, traceId, spanId string
	if v, ok := entry.Data[callerField].(string); ok {
		fn = v
	}
	if v, ok := entry.Data[XTraceId].(string); ok {
		traceId = v
	}
	if v, ok := entry.Data[XSpanId].(string); ok {
		spanId = v
	}
	levelstr := toLevelStr(entry.Level)

	b := logBufPool.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		logBufPool.Put(b)
	}()

	b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	writePadded(b, levelstr, levelWidth)
	b.WriteString(" [")
	writePadded(b, traceId, traceSpanIdWidth)
	b.WriteByte(',')
	writePadded(b, spanId, traceSpanIdWidth)
	b.WriteString("] ")
	writePadded(b, fn, fnWidth)
	b.WriteString(" : ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	// the buffer is recycled
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out, nil
}

func writePadded(b *bytes.Buffer, s string, width int) {
	b.WriteString(s)
	if len(s) < width {
		b.WriteString(strings.Repeat(" ", width-len(s)))
	}
}

func toLevelStr(level logrus.Level) string {
	switch level {
	case logrus.TraceLevel:
		return "TRACE"
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.FatalLevel:
		return "FATAL"
	case logrus.PanicLevel:
		return "PANIC"
	}
	return "UNKNOWN"
}

// Parse log level, INFO is returned if the level is not recognized.
func ParseLogLevel(logLevel string) (logrus.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(logLevel)) {
	case "TRACE":
		return logrus.TraceLevel, true
	case "DEBUG":
		return logrus.DebugLevel, true
	case "INFO":
		return logrus.InfoLevel, true
	case "WARN":
		return logrus.WarnLevel, true
	case "ERROR":
		return logrus.ErrorLevel, true
	case "FATAL":
		return logrus.FatalLevel, true
	case "PANIC":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

func SetLogLevel(level string) {
	if ll, ok := ParseLogLevel(level); ok {
		logger.SetLevel(ll)
	}
}

func IsDebugLevel() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

func SetLogOutput(out io.Writer) {
	logger.SetOutput(out)
}

type RollingLogFileParam struct {
	Filename   string // filename
	MaxSize    int    // max file size in mb
	MaxAge     int    // max age in day
	MaxBackups int    // max number of files
}

// Create rolling file based writer.
func BuildRollingLogFileWriter(p RollingLogFileParam) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   p.Filename,
		MaxSize:    p.MaxSize,
		MaxAge:     p.MaxAge,
		MaxBackups: p.MaxBackups,
		LocalTime:  true,
		Compress:   false,
	}
}

func Debugf(format string, args ...any) {
	EmptyRail().logf(logrus.DebugLevel, format, args...)
}

func Infof(format string, args ...any) {
	EmptyRail().logf(logrus.InfoLevel, format, args...)
}

func Warnf(format string, args ...any) {
	EmptyRail().logf(logrus.WarnLevel, format, args...)
}

func Errorf(format string, args ...any) {
	EmptyRail().logf(logrus.ErrorLevel, format, args...)
}

func getCallerFn(skip int) string {
	pcs := callerPcsPool.Get().(*[]uintptr)
	defer callerPcsPool.Put(pcs)

	depth := runtime.Callers(skip, *pcs)
	if depth < 1 {
		return ""
	}
	f, _ := runtime.CallersFrames((*pcs)[:depth]).Next()
	return shortFnName(f.Function)
}

func shortFnName(fn string) string {
	j := strings.LastIndexByte(fn, '/')
	if j < 0 {
		return fn
	}
	return fn[j+1:]
}
