package metrics

import (
	"runtime"
	"strings"
	"time"

	"go.doozer.org/infra/go/util"
)

const (
	measurementTimer = "timer"
	nameFuncTimer    = "func_timer"
)

// timer implements the Timer interface.
type timer struct {
	begin time.Time
	m     Float64SummaryMetric
}

// newTimer creates and returns a new started Timer on the given Client.
func newTimer(c Client, name string, tagsList ...map[string]string) Timer {
	// Add the name to the tags.
	tags := util.AddParams(map[string]string{}, tagsList...)
	tags["name"] = name
	t := &timer{
		m: c.GetFloat64SummaryMetric(measurementTimer, tags),
	}
	t.Start()
	return t
}

// Start implements Timer.
func (t *timer) Start() {
	t.begin = time.Now()
}

// Stop implements Timer. The duration is observed in seconds.
func (t *timer) Stop() time.Duration {
	duration := time.Since(t.begin)
	t.m.Observe(duration.Seconds())
	return duration
}

// FuncTimer is specifically intended for measuring the duration of functions.
// It uses the default client.
//
// The standard way to use FuncTimer is at the top of the func you want to
// measure:
//
//	func myfunc() {
//	    defer metrics.FuncTimer().Stop()
//	    ...
//	}
func FuncTimer() Timer {
	pc, _, _, _ := runtime.Caller(1)
	f := runtime.FuncForPC(pc)
	split := strings.Split(f.Name(), ".")
	fn := "unknown"
	pkg := "unknown"
	if len(split) >= 2 {
		fn = split[len(split)-1]
		pkg = strings.Join(split[:len(split)-1], ".")
	}
	return NewTimer(nameFuncTimer, map[string]string{"package": pkg, "func": fn})
}

var _ Timer = (*timer)(nil)
