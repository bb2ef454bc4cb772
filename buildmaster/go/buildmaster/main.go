// The buildmaster coordinates builds. It mirrors project repositories,
// queues builds for their branch tips, hands jobs to agents over long-poll
// HTTP, stores and serves the resulting artifacts and publishes release
// manifests.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"go.doozer.org/infra/buildmaster/go/artifact"
	"go.doozer.org/infra/buildmaster/go/ctrl"
	"go.doozer.org/infra/buildmaster/go/dispatch"
	"go.doozer.org/infra/buildmaster/go/github"
	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/release"
	"go.doozer.org/infra/buildmaster/go/rest"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/common"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/httputils"
)

// flags
var (
	configFile = flag.String("config", "server.json", "Coordinator config file.")
	ctrlSock   = flag.String("ctrlsock", ctrl.SocketPath, "Operator control socket path.")
	promPort   = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
)

func main() {
	common.InitWithMust("buildmaster", common.PrometheusOpt(promPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := types.LoadRootConfig(*configFile)
	if err != nil {
		dlog.Fatalf("Unable to load config (check --config option). Giving up -- %s", err)
	}

	st, err := store.NewFromConfig(ctx, cfg.Buildmaster.DB)
	if err != nil {
		dlog.Fatalf("Unable to connect to database -- %s", err)
	}
	if err := st.CreateTables(ctx); err != nil {
		dlog.Fatalf("Unable to create tables -- %s", err)
	}

	// The hooks close over disp and maker, which need the registry to be
	// built first. Both are assigned before Start runs any worker.
	var disp *dispatch.Dispatch
	var maker *release.Maker
	reg := project.NewRegistry(cfg, project.Hooks{
		CheckForBuilds: func(ctx context.Context, p *project.Project) error {
			return disp.CheckForBuilds(ctx, p)
		},
		GenerateReleases: func(ctx context.Context, p *project.Project) error {
			return maker.GenerateReleases(ctx, p)
		},
	})
	disp = dispatch.New(st, reg, cfg)
	maker = release.New(st, cfg)

	r := chi.NewRouter()
	disp.Register(r)
	artifact.New(st, reg, cfg).Register(r)
	rest.New(st, reg, cfg).Register(r)
	github.New(reg).Register(r)
	r.Get("/healthz", httputils.HealthCheckHandler)

	if err := reg.Start(ctx); err != nil {
		dlog.Fatalf("Unable to start project registry -- %s", err)
	}
	disp.StartReapers(ctx)

	ln, err := ctrl.Listen(*ctrlSock)
	if err != nil {
		dlog.Fatalf("Unable to bind control socket %s -- %s", *ctrlSock, err)
	}
	ctl := ctrl.New(st, reg, disp)
	go func() {
		if err := ctl.Serve(ctx, ln); err != nil {
			dlog.Errorf("Control socket server stopped -- %s", err)
		}
	}()

	// SIGHUP rescans the project config dir; SIGINT/SIGTERM are handled by
	// the cleanup package.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			dlog.Infof("SIGHUP received, reloading project configs")
			reg.Reload(ctx)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.Port)
	dlog.Infof("Ready to serve on http://%s", addr)
	dlog.Fatal(http.ListenAndServe(addr, httputils.LoggingRequestResponse(r)))
}
