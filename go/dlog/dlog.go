// This package defines the logging functions (e.g. Info, Errorf, etc.).

package dlog

import (
	"os"

	"go.doozer.org/infra/go/dlog/dlogimpl"
	"go.doozer.org/infra/go/dlog/stdlogging"
)

// SetLogger must run before any logging call; doing it in an init function
// avoids a nil pointer panic when a package-level var expression logs.
func init() {
	dlogimpl.SetLogger(stdlogging.New(os.Stderr))
}

// Functions to log at various levels.
// Debug, Info, Warning, Error, and Fatal use fmt.Sprint to format the
// arguments.
// Functions ending in f use fmt.Sprintf to format the arguments.
// Functions ending in WithDepth allow the caller to change where the stacktrace
// starts. 0 (the default in all other calls) means to report starting at the
// caller. 1 would mean one level above, the caller's caller.  2 would be a
// level above that and so on.
func Debug(msg ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Debug, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Debug, format, v...)
}

func Info(msg ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Info, "", msg...)
}

func Infof(format string, v ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Info, format, v...)
}

func InfofWithDepth(depth int, format string, v ...interface{}) {
	dlogimpl.Log(1+depth, dlogimpl.Info, format, v...)
}

func Warning(msg ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Warning, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Warning, format, v...)
}

func Error(msg ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Error, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Error, format, v...)
}

func ErrorfWithDepth(depth int, format string, v ...interface{}) {
	dlogimpl.Log(1+depth, dlogimpl.Error, format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Fatal, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	dlogimpl.Log(1, dlogimpl.Fatal, format, v...)
}

func Flush() {
	dlogimpl.Flush()
}
