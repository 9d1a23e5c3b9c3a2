// Package log implements a small leveled, structured logger in the style the
// engine's own ancestor uses: a package-level root logger, free functions
// keyed by level, and alternating key/value context.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stack/stack"
)

// Lvl is a logging level.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERRO"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	case LvlTrace:
		return "TRCE"
	default:
		return "????"
	}
}

// Record is one emitted log line.
type Record struct {
	Time  time.Time
	Lvl   Lvl
	Msg   string
	Ctx   []interface{}
	Call  stack.Call
}

// Logger emits Records carrying a fixed set of key/value context.
type Logger struct {
	ctx []interface{}
	h   *handler
}

type handler struct {
	mu  sync.Mutex
	w   io.Writer
	lvl int32 // atomic, compared against Lvl
}

func (h *handler) emit(r *Record) {
	if Lvl(atomic.LoadInt32(&h.lvl)) < r.Lvl {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.w, "%s [%s] %s", r.Time.Format("2006-01-02T15:04:05.000"), r.Lvl, r.Msg)
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		fmt.Fprintf(h.w, " %v=%v", r.Ctx[i], r.Ctx[i+1])
	}
	fmt.Fprintf(h.w, " caller=%v\n", r.Call)
}

var root = &Logger{h: &handler{w: os.Stderr, lvl: int32(LvlInfo)}}

// Root returns the default logger.
func Root() *Logger { return root }

// SetOutput redirects where the root logger writes.
func SetOutput(w io.Writer) { root.h.mu.Lock(); root.h.w = w; root.h.mu.Unlock() }

// SetLevel adjusts the minimum level the root logger emits.
func SetLevel(l Lvl) { atomic.StoreInt32(&root.h.lvl, int32(l)) }

// New returns a Logger carrying additional fixed context, e.g.
// log.New("session", id).
func New(ctx ...interface{}) *Logger {
	return &Logger{ctx: append(append([]interface{}{}, root.ctx...), ctx...), h: root.h}
}

func (l *Logger) write(lvl Lvl, msg string, ctx ...interface{}) {
	r := &Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  append(append([]interface{}{}, l.ctx...), ctx...),
		Call: stack.Caller(2),
	}
	l.h.emit(r)
}

func (l *Logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx...) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx...) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx...) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx...) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx...) }

// Crit logs and then terminates the process. The engine treats a Panic
// (spec §7) as poisoning the whole connection; Crit is reserved for exactly
// that class of invariant violation.
func (l *Logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx...)
	os.Exit(1)
}

// Package-level convenience wrappers operating on Root().
func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }
