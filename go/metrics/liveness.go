package metrics

import (
	"sync"
	"time"

	"go.doozer.org/infra/go/util"
)

const (
	measurementLiveness     = "liveness"
	livenessReportFrequency = time.Minute
)

// liveness implements the Liveness interface.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
	stop                 chan struct{}
	stopOnce             sync.Once
}

// newLiveness creates a new Liveness metric helper on the given Client.
func newLiveness(c Client, name string, tagsList ...map[string]string) Liveness {
	// Add the name to the tags.
	tags := util.AddParams(map[string]string{}, tagsList...)
	tags["name"] = name
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(measurementLiveness, tags),
		stop:                 make(chan struct{}),
	}
	l.update()
	go func() {
		ticker := time.NewTicker(livenessReportFrequency)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.update()
			}
		}
	}()
	return l
}

// updateLocked sets the value of the Liveness. Assumes the caller holds the
// lock.
func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// update sets the value of the Liveness.
func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Get implements Liveness.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

// Reset implements Liveness.
func (l *liveness) Reset() {
	l.ManualReset(time.Now())
}

// ManualReset implements Liveness.
func (l *liveness) ManualReset(lastSuccessfulUpdate time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = lastSuccessfulUpdate
	l.updateLocked()
}

// Close implements Liveness.
func (l *liveness) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

var _ Liveness = (*liveness)(nil)
