// Package synqlog is a small leveled console logger: colored printf
// funcs behind a package mutex, exposed as a leveled
// Debug/Info/Warn/Error logger that satisfies pkg/manager.Logger.
package synqlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
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
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled, colored lines to an io.Writer, synchronized
// across goroutines the way cprint serializes its package-level
// Printf funcs.
type Logger struct {
	out    io.Writer
	min    Level
	fields string

	debugf func(io.Writer, string, ...any)
	infof  func(io.Writer, string, ...any)
	warnf  func(io.Writer, string, ...any)
	errorf func(io.Writer, string, ...any)
}

// mu serializes every Logger's writes, including those of With clones.
var mu sync.Mutex

// New constructs a Logger writing to w at or above min severity. A
// nil w defaults to os.Stderr.
func New(w io.Writer, min Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		out:    w,
		min:    min,
		debugf: color.New(color.FgCyan).FprintfFunc(),
		infof:  color.New(color.FgGreen).FprintfFunc(),
		warnf:  color.New(color.FgYellow).FprintfFunc(),
		errorf: color.New(color.FgRed).FprintfFunc(),
	}
}

// With returns a Logger that prefixes every line with fields, useful
// for tagging log output with a userId or component name.
func (l *Logger) With(fields string) *Logger {
	clone := *l
	if clone.fields == "" {
		clone.fields = fields
	} else {
		clone.fields = clone.fields + " " + fields
	}
	return &clone
}

func (l *Logger) log(level Level, fn func(io.Writer, string, ...any), format string, args ...any) {
	if level < l.min {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	ts := time.Now().Format(time.RFC3339)
	prefix := fmt.Sprintf("%s [%s]", ts, level)
	if l.fields != "" {
		prefix += " " + l.fields
	}
	fn(l.out, prefix+" "+format+"\n", args...)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, l.debugf, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, l.infof, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, l.warnf, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, l.errorf, format, args...) }
