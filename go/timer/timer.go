// Package timer makes timing operations easier.
package timer

import (
	"time"

	"go.doozer.org/infra/go/dlog"
)

// Timer is for timing events. When finished the duration is reported
// via dlog.
//
// The standard way to use Timer is at the top of the func you
// want to measure:
//
//	defer timer.New("database sync time").Stop()
type Timer struct {
	Begin time.Time
	Name  string
}

func New(name string) *Timer {
	return &Timer{
		Begin: time.Now(),
		Name:  name,
	}
}

func (t Timer) Stop() {
	dlog.Infof("%s %v", t.Name, time.Since(t.Begin))
}
