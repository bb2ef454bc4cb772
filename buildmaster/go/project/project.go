// Package project maintains the set of configured projects: it scans the
// config directory, keeps per-project snapshots and git mirrors, tracks
// pending background jobs as a bitmask, and runs one worker goroutine per
// project with outstanding work.
package project

import (
	"container/list"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/fsnotify.v1"

	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/gitmirror"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/metrics"
	"go.doozer.org/infra/go/now"
	"go.doozer.org/infra/go/util"
)

const (
	// DEFAULT_ARTIFACT_ROOT anchors per-project artifact directories when
	// neither the project nor the root config names one.
	DEFAULT_ARTIFACT_ROOT = "/var/tmp/doozer-artifacts"

	// notifyTimeout bounds each repo-update webhook POST.
	notifyTimeout = 10 * time.Second

	// watchDebounce coalesces bursts of fsnotify events into one rescan.
	watchDebounce = time.Second
)

// Project is one configured project. The config snapshot is immutable;
// reloads swap the pointer. Pending-job state is guarded by the registry
// mutex.
type Project struct {
	// ID is "org/name", derived from the config file location.
	ID string

	reg *Registry

	mtx    sync.Mutex
	cfg    *types.ProjectConfig
	mirror *gitmirror.Mirror

	cfgPath      string
	cfgMtime     time.Time
	artifactPath string

	// Guarded by reg.mtx. refreshInterval is cached off the config here so
	// the dispatcher never has to touch p.cfg, which p.mtx guards.
	pending         types.JobMask
	workerActive    bool
	refreshAt       time.Time
	refreshInterval time.Duration
	elem            *list.Element
}

// NewForTesting returns a detached Project for tests that need one without a
// registry behind it.
func NewForTesting(id string, cfg *types.ProjectConfig, mirror *gitmirror.Mirror, artifactPath string) *Project {
	return &Project{
		ID:           id,
		cfg:          cfg,
		mirror:       mirror,
		artifactPath: artifactPath,
	}
}

// Config returns the current config snapshot.
func (p *Project) Config() *types.ProjectConfig {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.cfg
}

// Mirror returns the project's git mirror.
func (p *Project) Mirror() *gitmirror.Mirror {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.mirror
}

// ArtifactPath returns the directory holding this project's file-storage
// artifacts.
func (p *Project) ArtifactPath() string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.artifactPath
}

// Logf logs an operational line tagged with the project id and a routing
// channel such as "build/queue" or "release/info".
func (p *Project) Logf(channel, format string, args ...interface{}) {
	dlog.InfofWithDepth(1, "%s [%s]: %s", p.ID, channel, fmt.Sprintf(format, args...))
}

// Hooks are the per-project jobs the registry cannot implement itself;
// dispatch and release install them at startup to avoid a package cycle.
type Hooks struct {
	// CheckForBuilds enqueues missing builds for the project's branch
	// tips.
	CheckForBuilds func(ctx context.Context, p *Project) error

	// GenerateReleases regenerates the project's release manifests.
	GenerateReleases func(ctx context.Context, p *Project) error
}

// Registry owns every Project. Lookup order is recency-based: Get moves the
// project to the front of the list.
type Registry struct {
	root   *types.RootConfig
	hooks  Hooks
	client *http.Client

	mtx      sync.Mutex
	projects map[string]*Project
	order    *list.List

	// scanMtx serializes Reload; the watcher and SIGHUP may fire together.
	scanMtx sync.Mutex

	wake chan struct{}

	liveness metrics.Liveness
	workers  metrics.Counter
}

// NewRegistry returns an empty registry. Call Reload to populate it and
// Start to run the dispatcher.
func NewRegistry(root *types.RootConfig, hooks Hooks) *Registry {
	return &Registry{
		root:     root,
		hooks:    hooks,
		client:   httputils.NewConfiguredTimeoutClient(notifyTimeout, notifyTimeout),
		projects: map[string]*Project{},
		order:    list.New(),
		wake:     make(chan struct{}, 1),
		liveness: metrics.NewLiveness("project_dispatcher"),
		workers:  metrics.GetCounter("project_worker_runs"),
	}
}

// Get returns the project with the given id and marks it most recently used,
// or nil when the id is not configured.
func (r *Registry) Get(id string) *Project {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	p := r.projects[id]
	if p != nil {
		r.order.MoveToFront(p.elem)
	}
	return p
}

// IDs returns the configured project ids, most recently used first.
func (r *Registry) IDs() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rv := make([]string, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		rv = append(rv, e.Value.(*Project).ID)
	}
	return rv
}

// Schedule ORs mask into the project's pending jobs and wakes the
// dispatcher. Unknown ids are ignored with a warning.
func (r *Registry) Schedule(id string, mask types.JobMask) {
	r.mtx.Lock()
	p := r.projects[id]
	if p != nil {
		p.pending |= mask
	}
	r.mtx.Unlock()
	if p == nil {
		dlog.Warningf("Schedule for unknown project %s", id)
		return
	}
	r.poke()
}

func (r *Registry) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Reload scans the config directory: new files materialize projects, changed
// mtimes swap config snapshots, vanished files tear projects down. A broken
// file only skips that project.
func (r *Registry) Reload(ctx context.Context) {
	r.scanMtx.Lock()
	defer r.scanMtx.Unlock()

	seen := map[string]bool{}
	dir := r.root.ProjectConfigDir

	orgs, err := os.ReadDir(dir)
	if err != nil {
		dlog.Errorf("Unable to scan project config dir %s -- %s", dir, err)
		return
	}
	for _, org := range orgs {
		if !org.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, org.Name()))
		if err != nil {
			dlog.Errorf("Unable to scan %s -- %s", filepath.Join(dir, org.Name()), err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			id := org.Name() + "/" + strings.TrimSuffix(f.Name(), ".json")
			path := filepath.Join(dir, org.Name(), f.Name())
			if err := r.loadOne(ctx, id, path); err != nil {
				dlog.Errorf("Unable to load project %s -- %s", id, err)
				continue
			}
			seen[id] = true
		}
	}

	// Sweep projects whose config file disappeared.
	r.mtx.Lock()
	var gone []*Project
	for id, p := range r.projects {
		if !seen[id] {
			gone = append(gone, p)
			r.order.Remove(p.elem)
			delete(r.projects, id)
		}
	}
	r.mtx.Unlock()
	for _, p := range gone {
		p.Logf("system", "Config unloaded")
	}
	r.poke()
}

// loadOne creates or refreshes one project from its config file.
func (r *Registry) loadOne(ctx context.Context, id, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return derr.Wrap(err)
	}

	r.mtx.Lock()
	p := r.projects[id]
	r.mtx.Unlock()

	if p != nil && p.cfgMtime.Equal(st.ModTime()) {
		return nil
	}

	cfg, err := types.LoadProjectConfig(path)
	if err != nil {
		return err
	}

	fresh := p == nil
	if fresh {
		p = &Project{
			ID:      id,
			reg:     r,
			cfgPath: path,
		}
	}
	if err := p.applyConfig(cfg, st.ModTime()); err != nil {
		return err
	}

	r.mtx.Lock()
	if fresh {
		p.elem = r.order.PushFront(p)
		r.projects[id] = p
	}
	if cfg.GitRepo.RefreshInterval > 0 {
		p.refreshAt = now.Now(ctx)
		p.refreshInterval = time.Duration(cfg.GitRepo.RefreshInterval) * time.Second
	} else {
		p.refreshAt = time.Time{}
		p.refreshInterval = 0
	}
	p.pending |= types.JobUpdateRepo | types.JobCheckForBuilds | types.JobGenerateReleases
	r.mtx.Unlock()

	if fresh {
		p.Logf("system", "Project initialized")
	}
	p.Logf("system", "Config loaded")
	return nil
}

// applyConfig swaps in a new config snapshot and rebuilds the derived state
// (mirror handle, artifact directory).
func (p *Project) applyConfig(cfg *types.ProjectConfig, mtime time.Time) error {
	mirror, err := gitmirror.New(gitmirror.Config{
		Path:             filepath.Join(p.reg.root.Repos, p.ID),
		Upstream:         cfg.GitRepo.Pub,
		RefSpec:          cfg.GitRepo.RefSpec,
		Username:         cfg.GitRepo.Username,
		Password:         cfg.GitRepo.Password,
		SSHKeyPath:       cfg.GitRepo.SSH.PrivPath,
		SSHKeyPassphrase: cfg.GitRepo.SSH.Password,
	})
	if err != nil {
		return err
	}

	artifactPath := cfg.ArtifactPath
	if artifactPath == "" {
		root := p.reg.root.ArtifactPath
		if root == "" {
			root = DEFAULT_ARTIFACT_ROOT
		}
		artifactPath = filepath.Join(root, p.ID)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.cfg = cfg
	p.mirror = mirror
	p.cfgMtime = mtime
	p.artifactPath = artifactPath
	return nil
}

// Start runs the initial scan, the dispatcher goroutine, and the config dir
// watcher. It returns once the registry is serving.
func (r *Registry) Start(ctx context.Context) error {
	r.Reload(ctx)
	go r.dispatcher(ctx)
	if err := r.watch(ctx); err != nil {
		// The periodic refresh and SIGHUP still pick up changes.
		dlog.Warningf("Config dir watch disabled -- %s", err)
	}
	return nil
}

// dispatcher wakes on Schedule calls or the nearest periodic-refresh
// deadline, reasserts JobUpdateRepo for due projects, and spawns workers for
// projects with pending work and no active worker.
func (r *Registry) dispatcher(ctx context.Context) {
	for {
		r.liveness.Reset()
		nowTs := now.Now(ctx)
		wait := time.Hour

		r.mtx.Lock()
		for _, p := range r.projects {
			if !p.refreshAt.IsZero() {
				if !p.refreshAt.After(nowTs) {
					p.pending |= types.JobUpdateRepo
					p.refreshAt = nowTs.Add(p.refreshInterval)
				}
				if d := p.refreshAt.Sub(nowTs); d < wait {
					wait = d
				}
			}
			if p.pending != 0 && !p.workerActive {
				p.workerActive = true
				go r.worker(ctx, p)
			}
		}
		r.mtx.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-r.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// jobOrder is the drain order within one worker pass.
var jobOrder = []types.JobMask{
	types.JobUpdateRepo,
	types.JobNotifyRepoUpdate,
	types.JobCheckForBuilds,
	types.JobGenerateReleases,
}

// worker drains the project's pending jobs and exits. At most one worker per
// project runs at a time.
func (r *Registry) worker(ctx context.Context, p *Project) {
	p.Logf("system", "Starting worker")
	r.workers.Inc(1)
	for {
		var job types.JobMask
		r.mtx.Lock()
		for _, j := range jobOrder {
			if p.pending.Has(j) {
				job = j
				p.pending &^= j
				break
			}
		}
		if job == 0 {
			p.workerActive = false
			r.mtx.Unlock()
			break
		}
		r.mtx.Unlock()
		r.runJob(ctx, p, job)
	}
	p.Logf("system", "Stopping worker")
}

func (r *Registry) runJob(ctx context.Context, p *Project, job types.JobMask) {
	switch job {
	case types.JobUpdateRepo:
		changed, err := p.Mirror().Sync(ctx)
		if err != nil {
			p.Logf("git/repo", "Update failed -- %s", err)
			return
		}
		if changed {
			r.Schedule(p.ID, types.JobCheckForBuilds|types.JobNotifyRepoUpdate|types.JobGenerateReleases)
		}
	case types.JobNotifyRepoUpdate:
		r.notifyRepoUpdate(ctx, p)
	case types.JobCheckForBuilds:
		if r.hooks.CheckForBuilds == nil {
			return
		}
		if err := r.hooks.CheckForBuilds(ctx, p); err != nil {
			p.Logf("build/queue", "Check for builds failed -- %s", err)
		}
	case types.JobGenerateReleases:
		if r.hooks.GenerateReleases == nil {
			return
		}
		if err := r.hooks.GenerateReleases(ctx, p); err != nil {
			p.Logf("release/check", "Release generation failed -- %s", err)
		}
	}
}

// notifyRepoUpdate fires one POST per configured webhook URL. Failures are
// logged and dropped.
func (r *Registry) notifyRepoUpdate(ctx context.Context, p *Project) {
	cfg := p.Config()
	for _, url := range cfg.RepoUpdateNotifications {
		p.Logf("git/repo", "Invoking %s", url)
		req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
		if err != nil {
			p.Logf("git/repo", "Notification to %s failed -- %s", url, err)
			continue
		}
		resp, err := r.client.Do(req)
		if err != nil {
			p.Logf("git/repo", "Notification to %s failed -- %s", url, err)
			continue
		}
		util.Close(resp.Body)
	}
}

// watch rescans after fsnotify events on the config dir and its org
// subdirectories, debounced so editors that write twice trigger one scan.
func (r *Registry) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return derr.Wrap(err)
	}
	if err := w.Add(r.root.ProjectConfigDir); err != nil {
		util.Close(w)
		return derr.Wrap(err)
	}
	orgs, err := os.ReadDir(r.root.ProjectConfigDir)
	if err == nil {
		for _, org := range orgs {
			if org.IsDir() {
				// Best effort; a failed org watch still leaves
				// the parent watch catching new directories.
				_ = w.Add(filepath.Join(r.root.ProjectConfigDir, org.Name()))
			}
		}
	}

	go func() {
		defer util.Close(w)
		var pending *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
						_ = w.Add(ev.Name)
					}
				}
				if pending == nil {
					pending = time.NewTimer(watchDebounce)
					fire = pending.C
				} else {
					pending.Reset(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				dlog.Warningf("Config dir watch error -- %s", err)
			case <-fire:
				pending = nil
				fire = nil
				r.Reload(ctx)
			}
		}
	}()
	return nil
}
