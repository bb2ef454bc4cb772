// Package worker turns claimed jobs into builds. A worker long-polls the
// buildmaster for work, materializes the project checkout in its heap,
// picks a build entry point and supervises it, streaming status reports and
// artifacts back as the build progresses.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/kballard/go-shellquote"

	"go.doozer.org/infra/agent/go/client"
	"go.doozer.org/infra/agent/go/heap"
	"go.doozer.org/infra/agent/go/spawn"
	"go.doozer.org/infra/agent/go/uploader"
	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/gitmirror"
)

const (
	// artifactPrefix marks a stdout line that publishes a file from the
	// checkout as a build artifact. The remainder of the line is
	// localpath:type:contenttype:filename.
	artifactPrefix = "doozer-artifact:"

	// artifactGzipPrefix is the same, but the artifact is stored
	// gzip-encoded.
	artifactGzipPrefix = "doozer-artifact-gzip:"

	// autobuildVersionWant is the only Autobuild.sh protocol the agent
	// speaks.
	autobuildVersionWant = 3

	// doozerFileVersionWant is the only .doozer.json format the agent
	// accepts.
	doozerFileVersionWant = 1
)

var revisionRE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Config is the agent configuration file, conventionally agent.json.
type Config struct {
	// URL is the buildmaster base URL, without the /buildmaster/ suffix.
	URL string `json:"url"`

	// AgentID and Secret are the basic auth credentials issued for this
	// agent.
	AgentID string `json:"agentid"`
	Secret  string `json:"secret"`

	// ProjectsDir is the heap root where per-project build state lives.
	ProjectsDir string `json:"projectsdir"`

	// Targets lists the build targets this agent claims work for.
	Targets []string `json:"targets"`

	// User and Group name the unprivileged identity builds run as.
	// They default to nobody and nogroup.
	User  string `json:"user"`
	Group string `json:"group"`

	// MaxJobTime caps a single job, in seconds. Zero means no cap.
	MaxJobTime int `json:"maxJobTime"`

	// Heap selects the heap manager: auto, simple or btrfs.
	Heap string `json:"heap"`
}

// LoadConfig reads and validates an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, derr.Fmt("Unable to load config %s -- %s", path, err)
	}
	c := &Config{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, derr.Fmt("Unable to parse config %s -- %s", path, err)
	}
	if c.URL == "" || c.AgentID == "" || c.Secret == "" {
		return nil, derr.Fmt("Config %s must set url, agentid and secret", path)
	}
	if c.ProjectsDir == "" {
		return nil, derr.Fmt("Config %s must set projectsdir", path)
	}
	if len(c.Targets) == 0 {
		return nil, derr.Fmt("Config %s must list at least one target", path)
	}
	return c, nil
}

// RPC is the buildmaster surface the worker needs. *client.Client
// implements it.
type RPC interface {
	Hello(ctx context.Context) error
	GetJob(ctx context.Context, targets []string) (*client.Job, error)
	Report(ctx context.Context, jobID int64, jobSecret, status, msg string) error
	PutArtifact(ctx context.Context, a *client.Artifact) error
}

// Worker claims and executes builds for one agent.
type Worker struct {
	rpc   RPC
	heaps heap.Manager
	cfg   *Config
}

func New(rpc RPC, heaps heap.Manager, cfg *Config) *Worker {
	return &Worker{
		rpc:   rpc,
		heaps: heaps,
		cfg:   cfg,
	}
}

// Run verifies the agent credentials and then claims and processes jobs
// until ctx is canceled. Transient buildmaster trouble is retried with
// exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		if err := w.rpc.Hello(ctx); err != nil {
			dlog.Warningf("Buildmaster not answering -- %s. Retrying", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}
	dlog.Infof("Connected to buildmaster as %s, building targets: %s",
		w.cfg.AgentID, strings.Join(w.cfg.Targets, ", "))

	bo.Reset()
	for {
		j, err := w.rpc.GetJob(ctx, w.cfg.Targets)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			dlog.Errorf("Unable to query for work -- %s. Retrying in %s", err, wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if j == nil {
			continue
		}
		w.Process(ctx, j)
	}
}

// Process runs a single claimed job to completion, reporting the outcome to
// the buildmaster.
func (w *Worker) Process(ctx context.Context, j *client.Job) {
	if j.ID == 0 {
		dlog.Errorf("Job has no jobid")
		return
	}
	if j.JobSecret == "" {
		dlog.Errorf("Job has no jobsecret")
		return
	}
	rep := &reporter{ctx: ctx, rpc: w.rpc, job: j}
	for _, f := range []struct{ name, value string }{
		{"project", j.Project},
		{"version", j.Version},
		{"revision", j.Revision},
		{"target", j.Target},
		{"repo", j.Repo},
	} {
		if f.value == "" {
			rep.tempFail("No '%s' field in work", f.name)
			return
		}
	}
	dlog.Infof("Project: %s (%s): Accepted job %d for target %s, revision %.8s",
		j.Project, j.Version, j.ID, j.Target, j.Revision)

	jobCtx := ctx
	if w.cfg.MaxJobTime > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(w.cfg.MaxJobTime)*time.Second)
		defer cancel()
	}

	dir, err := w.heaps.Open(j.Project, true)
	if err != nil {
		rep.tempFail("Unable to create repo directory -- %s", err)
		return
	}
	checkout := filepath.Join(dir, "checkout")
	workdir := filepath.Join(dir, "workdir")
	for _, d := range []string{checkout, workdir} {
		if err := os.MkdirAll(d, 0775); err != nil {
			rep.tempFail("Unable to create %s -- %s", d, err)
			return
		}
	}
	if !w.checkoutRevision(jobCtx, rep, j, checkout) {
		return
	}
	w.build(jobCtx, rep, j, checkout)
}

// checkoutRevision brings the job's revision into the checkout directory,
// fetching from the upstream only when the commit is not already present.
// It reports its own failures and returns false on them.
func (w *Worker) checkoutRevision(ctx context.Context, rep *reporter, j *client.Job, dir string) bool {
	if !revisionRE.MatchString(j.Revision) {
		rep.fail("GIT: Commit %s is invalid -- not a full object name", j.Revision)
		return false
	}
	hash := plumbing.NewHash(j.Revision)

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		dlog.Infof("Creating new GIT repo at %s", dir)
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		rep.fail("GIT: Unable to create GIT repo -- %s", err)
		return false
	}

	if checkoutHash(repo, hash) == nil {
		rep.building("GIT: Checked out %s", j.Revision)
		return true
	}
	rep.building("GIT: Fetch from %s", j.Repo)
	if err := fetchAll(ctx, repo, j.Repo); err != nil {
		rep.tempFail("GIT: Unable to download from %s -- %s", j.Repo, err)
		return false
	}
	rep.building("GIT: Fetched repo from %s", j.Repo)
	if err := checkoutHash(repo, hash); err != nil {
		rep.tempFail("GIT: Failed to checkout %s -- %s", j.Revision, err)
		return false
	}
	rep.building("GIT: Checked out %s", j.Revision)
	return true
}

func checkoutHash(repo *git.Repository, hash plumbing.Hash) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return err
	}
	// Drop untracked files left over from earlier builds.
	return wt.Clean(&git.CleanOptions{Dir: true})
}

func fetchAll(ctx context.Context, repo *git.Repository, upstream string) error {
	refSpec := config.RefSpec(gitmirror.DefaultRefSpec)
	remote, err := repo.CreateRemoteAnonymous(&config.RemoteConfig{
		Name:  "anonymous",
		URLs:  []string{upstream},
		Fetch: []config.RefSpec{refSpec},
	})
	if err != nil {
		return err
	}
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{refSpec},
		Auth:     gitmirror.Auth(upstream, "", "", "", ""),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) || errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil
	}
	return err
}

// build selects the entry point and runs it. The ladder is Autobuild.sh,
// then .doozer.json, then a plain Makefile.
func (w *Worker) build(ctx context.Context, rep *reporter, j *client.Job, checkout string) {
	if p := filepath.Join(checkout, "Autobuild.sh"); isExecutable(p) {
		rep.building("Building using Autobuild.sh")
		w.autobuild(ctx, rep, j, checkout, p)
		return
	}
	if p := filepath.Join(checkout, ".doozer.json"); isRegular(p) {
		rep.building("Building using .doozer.json")
		w.doozerFile(ctx, rep, j, checkout, p)
		return
	}
	if p := filepath.Join(checkout, "Makefile"); isRegular(p) {
		rep.building("Building using Makefile")
		w.makefile(ctx, rep, j, checkout)
		return
	}
	rep.fail("No clue how to build from this repo")
}

func (w *Worker) autobuild(ctx context.Context, rep *reporter, j *client.Job, checkout, path string) {
	version, err := autobuildVersion(ctx, path, checkout)
	if err != nil {
		rep.fail("%s", err)
		return
	}
	if version != autobuildVersionWant {
		rep.fail("Unsupported autobuild version %d", version)
		return
	}
	q := w.newQueue(rep)
	var output bytes.Buffer
	code, runErr := runStep(ctx, j, q, checkout, &output, path, "-t", j.Target, "-o", "deps")
	if runErr == nil && code == 0 {
		code, runErr = runStep(ctx, j, q, checkout, &output, path, "-t", j.Target, "-o", "build")
	}
	w.finalize(rep, j, q, "Autobuild.sh", &output, code, runErr)
}

type doozerManifest struct {
	Version int                    `json:"version"`
	Builds  map[string]doozerBuild `json:"builds"`
}

type doozerBuild struct {
	Steps []string `json:"steps"`
}

func (w *Worker) doozerFile(ctx context.Context, rep *reporter, j *client.Job, checkout, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		rep.fail("Unable to parse .doozer.json -- %s", err)
		return
	}
	m := &doozerManifest{}
	if err := json.Unmarshal(data, m); err != nil {
		rep.fail("Unable to parse .doozer.json -- %s", err)
		return
	}
	if m.Version != doozerFileVersionWant {
		rep.fail("Unsupported .doozer.json version %d", m.Version)
		return
	}
	b, ok := m.Builds[j.Target]
	if !ok {
		rep.fail("Target %s not defined in .doozer.json", j.Target)
		return
	}
	cmds := make([][]string, 0, len(b.Steps))
	for _, step := range b.Steps {
		words, err := shellquote.Split(step)
		if err != nil {
			rep.fail("Unable to parse build step '%s' -- %s", step, err)
			return
		}
		if len(words) == 0 {
			continue
		}
		cmds = append(cmds, words)
	}

	q := w.newQueue(rep)
	var output bytes.Buffer
	label := ".doozer.json"
	var code int
	var runErr error
	for _, words := range cmds {
		label = words[0]
		code, runErr = runStep(ctx, j, q, checkout, &output, words[0], words[1:]...)
		if runErr != nil || code != 0 {
			break
		}
	}
	w.finalize(rep, j, q, label, &output, code, runErr)
}

func (w *Worker) makefile(ctx context.Context, rep *reporter, j *client.Job, checkout string) {
	q := w.newQueue(rep)
	var output bytes.Buffer
	code, runErr := runStep(ctx, j, q, checkout, &output, "/usr/bin/env", "make")
	w.finalize(rep, j, q, "make", &output, code, runErr)
}

// finalize uploads the buildlog, drains the artifact queue and reports the
// final job status.
func (w *Worker) finalize(rep *reporter, j *client.Job, q *uploader.Queue, label string, output *bytes.Buffer, code int, runErr error) {
	if output.Len() > 0 && !j.NoOutput {
		q.Add("buildlog", "buildlog", "", output.Bytes(), true)
	}
	if err := q.Wait(func(pending int) {
		rep.building("Waiting for %d artifacts to upload", pending)
	}); err != nil {
		rep.fail("Artifact upload failed -- %s", err)
		return
	}
	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		rep.tempFail("%s: Maximum job time exceeded", label)
	case runErr != nil && spawn.Temporary(runErr):
		rep.tempFail("%s: %s", label, runErr)
	case runErr != nil:
		rep.fail("%s: %s", label, runErr)
	case code == 0:
		rep.done()
	default:
		rep.fail("%s: exited with %d", label, code)
	}
}

// runStep supervises one build command with the job's artifact interceptor
// attached to its stdout.
func runStep(ctx context.Context, j *client.Job, q *uploader.Queue, dir string, output *bytes.Buffer, name string, args ...string) (int, error) {
	return spawn.Run(ctx, spawn.Options{
		Name:   name,
		Args:   args,
		Dir:    dir,
		Output: output,
		Line: func(line string) error {
			return interceptLine(j, q, dir, line)
		},
	})
}

// interceptLine publishes artifacts announced on the build's stdout. A line
// of the form doozer-artifact:localpath:type:contenttype:filename queues the
// named file for upload. Malformed lines are logged and ignored, but a named
// file that cannot be read aborts the build.
func interceptLine(j *client.Job, q *uploader.Queue, dir, line string) error {
	var rest string
	var compress bool
	switch {
	case strings.HasPrefix(line, artifactPrefix):
		rest = line[len(artifactPrefix):]
	case strings.HasPrefix(line, artifactGzipPrefix):
		rest = line[len(artifactGzipPrefix):]
		compress = true
	default:
		return nil
	}
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		dlog.Warningf("Ignoring malformed artifact line '%s'", line)
		return nil
	}
	path, typ, contentType, name := parts[0], parts[1], parts[2], parts[3]
	if j.NoOutput {
		dlog.Infof("Skipping artifact %s, job stores no output", name)
		return nil
	}
	if err := q.AddFile(typ, name, contentType, filepath.Join(dir, path), compress); err != nil {
		return &spawn.Error{Msg: err.Error(), Temporary: true}
	}
	return nil
}

func (w *Worker) newQueue(rep *reporter) *uploader.Queue {
	return uploader.NewQueue(rep.ctx, &putAdapter{rpc: w.rpc, job: rep.job}, dlog.Infof)
}

// putAdapter binds queued artifacts to one job's credentials.
type putAdapter struct {
	rpc RPC
	job *client.Job
}

func (p *putAdapter) Put(ctx context.Context, a *uploader.Artifact) error {
	return p.rpc.PutArtifact(ctx, &client.Artifact{
		JobID:       p.job.ID,
		JobSecret:   p.job.JobSecret,
		Type:        a.Type,
		Name:        a.Name,
		ContentType: a.ContentType,
		Encoding:    a.Encoding,
		MD5:         a.MD5,
		SHA1:        a.SHA1,
		OrigSize:    a.OrigSize,
		Data:        a.Data,
	})
}

// reporter delivers status updates for one job and mirrors them to the log.
type reporter struct {
	ctx context.Context
	rpc RPC
	job *client.Job
}

func (r *reporter) report(status, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	project := r.job.Project
	if project == "" {
		project = "<Unknown project>"
	}
	version := r.job.Version
	if version == "" {
		version = "<Unknown version>"
	}
	dlog.Infof("Project: %s (%s): %s: %s", project, version, status, msg)
	if err := r.rpc.Report(r.ctx, r.job.ID, r.job.JobSecret, status, msg); err != nil {
		dlog.Errorf("Unable to report status '%s' for job %d -- %s", status, r.job.ID, err)
	}
}

func (r *reporter) building(format string, args ...interface{}) {
	r.report("building", format, args...)
}

func (r *reporter) fail(format string, args ...interface{}) {
	r.report("failed", format, args...)
}

// tempFail downgrades to a permanent failure when the job cannot be
// requeued.
func (r *reporter) tempFail(format string, args ...interface{}) {
	if r.job.CanTempFail() {
		r.report("tempfailed", format, args...)
	} else {
		r.report("failed", format, args...)
	}
}

func (r *reporter) done() {
	r.report("done", "Build done")
}

// autobuildVersion probes Autobuild.sh for the protocol version it speaks.
func autobuildVersion(ctx context.Context, path, dir string) (int, error) {
	cmd := exec.CommandContext(ctx, path, "-v")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return 0, derr.Fmt("Failed to execute Autobuild.sh -- %s", err)
	}
	line, _, _ := bytes.Cut(out, []byte("\n"))
	v, err := strconv.Atoi(strings.TrimSpace(string(line)))
	if err != nil {
		return 0, derr.Fmt("Failed to read version from Autobuild.sh")
	}
	return v, nil
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Mode()&0111 != 0
}

func isRegular(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
