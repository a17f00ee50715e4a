// Package log2 is a small leveled logger passed around explicitly as *Log.
// - level filtering, e.g. show debug messages in tests only
// - safe concurrent change of level
// - optional error hook, so every logged error also reaches diagnostics
//
// All methods are safe to call on nil *Log, which discards everything.
package log2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const ContextKey = "run/log"

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

func ContextValueLogger(ctx context.Context) *Log {
	v := ctx.Value(ContextKey)
	if v == nil {
		return nil
	}
	if log, ok := v.(*Log); ok {
		return log
	}
	panic(fmt.Errorf("code error context[%s] expected type *Log", ContextKey))
}

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type ErrorFunc func(error)

type Log struct {
	l       *log.Logger
	level   Level
	w       io.Writer
	fatalf  Func
	errfunc atomic.Value // ErrorFunc
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type Func func(format string, args ...interface{})
type FuncWriter struct{ Func }

func NewFunc(f Func, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (fw FuncWriter) Write(b []byte) (int, error) {
	fw.Func("%s", string(b))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	lg := NewFunc(t.Logf, level)
	lg.SetFlags(LTestFlags)
	lg.fatalf = t.Fatalf
	return lg
}

// Clone shares writer and error hook, level is independent.
func (lg *Log) Clone(level Level) *Log {
	if lg == nil {
		return nil
	}
	l := NewWriter(lg.w, level)
	l.SetFlags(lg.l.Flags())
	l.SetPrefix(lg.l.Prefix())
	l.fatalf = lg.fatalf
	if f := lg.errorFunc(); f != nil {
		l.SetErrorFunc(f)
	}
	return l
}

func (lg *Log) SetLevel(l Level) {
	if lg == nil {
		return
	}
	atomic.StoreInt32((*int32)(&lg.level), int32(l))
}

func (lg *Log) SetFlags(f int) {
	if lg == nil {
		return
	}
	lg.l.SetFlags(f)
}

func (lg *Log) SetPrefix(prefix string) {
	if lg == nil {
		return
	}
	lg.l.SetPrefix(prefix)
}

// SetErrorFunc installs hook called with every Error/Errorf argument.
// Hook runs regardless of level.
func (lg *Log) SetErrorFunc(f ErrorFunc) {
	if lg == nil {
		return
	}
	lg.errfunc.Store(f)
}

func (lg *Log) errorFunc() ErrorFunc {
	if x := lg.errfunc.Load(); x != nil {
		return x.(ErrorFunc)
	}
	return nil
}

func (lg *Log) Enabled(level Level) bool {
	if lg == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&lg.level)) >= int32(level)
}

func (lg *Log) Log(level Level, s string) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, s)
	}
}
func (lg *Log) Logf(level Level, format string, args ...interface{}) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (lg *Log) Error(args ...interface{}) {
	if lg == nil {
		return
	}
	lg.Log(LError, "error: "+fmt.Sprint(args...))
	if f := lg.errorFunc(); f != nil {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				f(e)
				return
			}
		}
		f(errors.New(fmt.Sprint(args...)))
	}
}
func (lg *Log) Errorf(format string, args ...interface{}) {
	if lg == nil {
		return
	}
	lg.Logf(LError, "error: "+format, args...)
	if f := lg.errorFunc(); f != nil {
		f(fmt.Errorf(format, args...))
	}
}
func (lg *Log) Info(args ...interface{}) {
	lg.Log(LInfo, fmt.Sprint(args...))
}
func (lg *Log) Infof(format string, args ...interface{}) {
	lg.Logf(LInfo, format, args...)
}
func (lg *Log) Debug(args ...interface{}) {
	lg.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (lg *Log) Debugf(format string, args ...interface{}) {
	lg.Logf(LDebug, "debug: "+format, args...)
}

// Printf and Println let *Log serve as paho.mqtt.golang Logger.
// Paho output is library chatter, so it goes at debug level.
func (lg *Log) Printf(format string, args ...interface{}) {
	lg.Logf(LDebug, "debug: "+format, args...)
}
func (lg *Log) Println(args ...interface{}) {
	lg.Log(LDebug, "debug: "+fmt.Sprint(args...))
}

func (lg *Log) Fatalf(format string, args ...interface{}) {
	if lg != nil && lg.fatalf != nil {
		lg.fatalf(format, args...)
		return
	}
	lg.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (lg *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if lg != nil && lg.fatalf != nil {
		lg.fatalf("%s", s)
		return
	}
	lg.Log(LError, "fatal: "+s)
	os.Exit(1)
}
