// Package cleanup provides a mechanism for registering background goroutines
// which must be stopped when the process shuts down cleanly.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/util"
)

var (
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	enableOnce sync.Once
)

// Initialize the package.
func init() {
	resetContext()
}

// Reset the context. This is in a non-init function for testing purposes.
func resetContext() {
	newContext, newCancel := context.WithCancel(context.Background())
	ctx = newContext
	cancel = newCancel
}

// Enable installs a signal handler which runs Cleanup() and exits on SIGINT
// or SIGTERM. Applications normally get this via common.InitWith().
func Enable() {
	enableOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			dlog.Infof("Caught %s", sig)
			Cleanup()
			dlog.Flush()
			os.Exit(0)
		}()
	})
}

// Repeat runs the tick function immediately and on the given timer. When
// Cleanup() is called, the optional cleanup function is run after waiting for
// the tick function to finish.
func Repeat(tickFrequency time.Duration, tick, cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after ctx is canceled AND tick is finished.
		util.RepeatCtx(tickFrequency, ctx, tick)
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// Cleanup cancels all tick functions registered via Repeat(), then waits for
// them to fully stop running and for their cleanup functions to run.
func Cleanup() {
	dlog.Warningf("Shutdown request received")
	cancel()
	wg.Wait()
	dlog.Warningf("Finished clean shutdown procedure.")
}
