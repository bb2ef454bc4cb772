// Package dlogimpl holds the log implementation the dlog facade dispatches
// to. It exists as a separate package so implementations can be swapped
// without import cycles.
package dlogimpl

import (
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// Logger is implemented by log back ends.
//
// Log emits a single message. If format is empty the args are formatted as
// fmt.Sprint would, otherwise as fmt.Sprintf. The depth is the number of
// stack frames between Log and the logging call site.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
	Flush()
}

var active atomic.Value

// SetLogger installs the Logger all dlog calls route to.
func SetLogger(l Logger) {
	active.Store(&l)
}

// Log dispatches to the installed Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := active.Load().(*Logger)
	(*l).Log(depth+1, severity, format, args...)
}

// Flush flushes the installed Logger.
func Flush() {
	l := active.Load().(*Logger)
	(*l).Flush()
}
