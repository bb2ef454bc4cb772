// Package stdlogging implements dlogimpl.Logger and logs to either stderr or stdout.
package stdlogging

import (
	logger "github.com/jcgregorio/logger"

	"go.doozer.org/infra/go/dlog/dlogimpl"
)

type stdlog struct {
	logger *logger.Logger
}

// New returns a dlogimpl.Logger that writes to a SyncWriter, such as
// os.Stdout or os.Stderr.
func New(dst logger.SyncWriter) dlogimpl.Logger {
	l := logger.NewFromOptions(&logger.Options{
		SyncWriter:   dst,
		DepthDelta:   3,
		IncludeDebug: true,
	})
	return &stdlog{
		logger: l,
	}
}

// Log implements dlogimpl.Logger. The depth argument is ignored; the fixed
// DepthDelta above already accounts for the dlog call chain.
func (s stdlog) Log(_ int, severity dlogimpl.Severity, format string, args ...interface{}) {
	plain, formatted := s.methods(severity)
	if format == "" {
		plain(args...)
	} else {
		formatted(format, args...)
	}
}

// methods picks the backend call pair for a severity. Unknown severities log
// as errors rather than getting dropped.
func (s stdlog) methods(severity dlogimpl.Severity) (func(...interface{}), func(string, ...interface{})) {
	switch severity {
	case dlogimpl.Debug:
		return s.logger.Debug, s.logger.Debugf
	case dlogimpl.Info:
		return s.logger.Info, s.logger.Infof
	case dlogimpl.Warning:
		return s.logger.Warning, s.logger.Warningf
	case dlogimpl.Error:
		return s.logger.Error, s.logger.Errorf
	case dlogimpl.Fatal:
		return s.logger.Fatal, s.logger.Fatalf
	default:
		return s.logger.Error, s.logger.Errorf
	}
}

// Flush implements dlogimpl.Logger.
func (s stdlog) Flush() {
	// noop
}
