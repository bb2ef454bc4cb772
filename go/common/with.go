// Package common provides tool initialization. Import only from package main.
package common

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"

	"go.doozer.org/infra/go/cleanup"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/metrics"
)

// Opt is one optional piece of service startup, such as the Prometheus
// metrics listener. Startup pieces depend on each other (flags must be
// parsed before anything logs them, metrics must exist before livenesses
// register), so every Opt carries a fixed order and runs in two phases,
// preinit then init, each phase in ascending order over all Opts.
//
// Current orders:
//
//	0 - base (always present)
//	3 - prometheus
//
// A main constructs the Opts it wants and hands them to InitWith:
//
//	common.InitWith(
//		"buildmaster",
//		common.PrometheusOpt(promPort),
//	)
type Opt interface {
	order() int
	preinit(appName string) error
	init(appName string) error
}

// optSlice sorts Opts by order().
type optSlice []Opt

func (p optSlice) Len() int           { return len(p) }
func (p optSlice) Less(i, j int) bool { return p[i].order() < p[j].order() }
func (p optSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// baseInitOpt parses flags and installs the signal handling every service
// needs. InitWith adds it implicitly; it always runs first.
type baseInitOpt struct{}

func (b *baseInitOpt) preinit(appName string) error {
	flag.Parse()
	dlog.Debugf("base preinit")
	return nil
}

func (b *baseInitOpt) init(appName string) error {
	dlog.Debugf("base init")
	flag.VisitAll(func(f *flag.Flag) {
		dlog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})

	runtime.GOMAXPROCS(runtime.NumCPU())

	// SIGINT/SIGTERM run registered cleanup funcs before exiting.
	cleanup.Enable()

	// Useful when diagnosing permission problems on heaps and sockets.
	dlog.Infof("Running as %d:%d", os.Getuid(), os.Getgid())

	return nil
}

func (b *baseInitOpt) order() int {
	return 0
}

// promInitOpt starts the Prometheus metrics listener.
type promInitOpt struct {
	port *string
}

// PrometheusOpt returns an Opt that serves /metrics on the given port when
// passed to InitWith.
func PrometheusOpt(port *string) Opt {
	return &promInitOpt{
		port: port,
	}
}

func (o *promInitOpt) preinit(appName string) error {
	dlog.Debugf("prom preinit")
	metrics.InitPrometheus(*o.port)
	return nil
}

func (o *promInitOpt) init(appName string) error {
	dlog.Debugf("prom init")

	// App uptime.
	_ = metrics.NewLiveness("uptime", nil)
	return nil
}

func (o *promInitOpt) order() int {
	return 3
}

// InitWith runs service startup with the given Opts. Each order may appear
// at most once; the init phase only starts once every preinit succeeded.
func InitWith(appName string, opts ...Opt) error {
	opts = append(opts, &baseInitOpt{})

	sort.Sort(optSlice(opts))

	for i := 0; i < len(opts)-1; i++ {
		if opts[i].order() == opts[i+1].order() {
			return fmt.Errorf("Only one of each type of Opt can be used.")
		}
	}

	for _, o := range opts {
		if err := o.preinit(appName); err != nil {
			return err
		}
	}
	for _, o := range opts {
		if err := o.init(appName); err != nil {
			return err
		}
	}
	dlog.Flush()
	return nil
}

// InitWithMust calls InitWith and fails fatally if an error is encountered.
func InitWithMust(appName string, opts ...Opt) {
	if err := InitWith(appName, opts...); err != nil {
		dlog.Fatalf("Failed to initialize: %s", err)
	}
}
