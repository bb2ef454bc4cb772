// Package dispatch implements the coordinator side of the agent RPC fabric:
// hello, the long-polling getjob claim, and report, plus the background jobs
// that keep the build table moving (check_for_builds, the claim-expiry sweep,
// and the deleted-artifact drain).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/metrics"
	"go.doozer.org/infra/go/now"
)

const (
	// maxTargets caps the targets CSV an agent may long-poll for.
	maxTargets = 64

	// claimRetries is how many transient store failures getjob rides out
	// before giving the agent an empty answer.
	claimRetries = 10
)

// Projects is the registry surface dispatch needs.
type Projects interface {
	Get(id string) *project.Project
	Schedule(id string, mask types.JobMask)
}

// Dispatch owns the agent-facing endpoints and the build table background
// jobs.
type Dispatch struct {
	store store.Store
	reg   Projects
	cfg   *types.RootConfig

	// pollInterval paces the getjob claim loop.
	pollInterval time.Duration

	claimed metrics.Counter
	empty   metrics.Counter
}

// New returns a Dispatch.
func New(st store.Store, reg Projects, cfg *types.RootConfig) *Dispatch {
	return &Dispatch{
		store:        st,
		reg:          reg,
		cfg:          cfg,
		pollInterval: time.Second,
		claimed:      metrics.GetCounter("dispatch_jobs_claimed"),
		empty:        metrics.GetCounter("dispatch_jobs_empty"),
	}
}

// Register mounts the agent RPC endpoints on the router.
func (d *Dispatch) Register(r chi.Router) {
	r.Get("/buildmaster/hello", d.hello)
	r.Get("/buildmaster/getjob", d.getjob)
	r.Get("/buildmaster/report", d.report)
}

// logf logs an operational line for a project, falling back to a plain line
// when the project is no longer configured.
func (d *Dispatch) logf(projectID, channel, format string, args ...interface{}) {
	if p := d.reg.Get(projectID); p != nil {
		p.Logf(channel, format, args...)
		return
	}
	dlog.Infof("%s [%s]: %s", projectID, channel, fmt.Sprintf(format, args...))
}

// buildURL returns a human-clickable link for a build id, or "" when no
// prefix is configured.
func (d *Dispatch) buildURL(id int64) string {
	pfx := d.cfg.BuildURLPrefix
	if pfx == "" {
		return ""
	}
	if !strings.HasSuffix(pfx, "/") {
		pfx += "/"
	}
	return fmt.Sprintf("%s%d", pfx, id)
}

// authAgent validates the agent credentials from query args or basic auth.
// On failure it writes the error response and returns ok=false.
func (d *Dispatch) authAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	agent := r.FormValue("agent")
	secret := r.FormValue("secret")
	if agent == "" || secret == "" {
		if u, p, ok := r.BasicAuth(); ok {
			agent, secret = u, p
		}
	}
	if agent == "" || secret == "" {
		http.Error(w, "missing agent credentials", http.StatusBadRequest)
		return "", false
	}
	want := d.cfg.AgentSecret(agent)
	if want == "" {
		dlog.Errorf("Agent '%s' not configured", agent)
		http.Error(w, "unknown agent", http.StatusForbidden)
		return "", false
	}
	if want != secret {
		dlog.Errorf("Agent '%s' rejected because of invalid secret '%s'", agent, secret)
		http.Error(w, "invalid secret", http.StatusForbidden)
		return "", false
	}
	return agent, true
}

// hello lets an agent verify its credentials and the coordinator's liveness.
func (d *Dispatch) hello(w http.ResponseWriter, r *http.Request) {
	if _, ok := d.authAgent(w, r); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("welcome\n"))
}

// jobReply is the getjob response in both encodings. The key=value variant
// writes the fields in wire order.
type jobReply struct {
	Type      string `json:"type"`
	ID        int64  `json:"id,omitempty"`
	Revision  string `json:"revision,omitempty"`
	Target    string `json:"target,omitempty"`
	JobSecret string `json:"jobsecret,omitempty"`
	Project   string `json:"project,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Version   string `json:"version,omitempty"`
	NoOutput  bool   `json:"no_output,omitempty"`
}

func (j *jobReply) keyValue() string {
	var b strings.Builder
	fmt.Fprintf(&b, "type=%s\n", j.Type)
	if j.Type != "build" {
		return b.String()
	}
	fmt.Fprintf(&b, "id=%d\n", j.ID)
	fmt.Fprintf(&b, "revision=%s\n", j.Revision)
	fmt.Fprintf(&b, "target=%s\n", j.Target)
	fmt.Fprintf(&b, "jobsecret=%s\n", j.JobSecret)
	fmt.Fprintf(&b, "project=%s\n", j.Project)
	fmt.Fprintf(&b, "repo=%s\n", j.Repo)
	fmt.Fprintf(&b, "version=%s\n", j.Version)
	no := 0
	if j.NoOutput {
		no = 1
	}
	fmt.Fprintf(&b, "no_output=%d\n", no)
	return b.String()
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// writeJobReply encodes and sends one reply, reporting whether the write
// reached the agent.
func writeJobReply(w http.ResponseWriter, r *http.Request, rep *jobReply) bool {
	var body []byte
	if wantsJSON(r) {
		body, _ = json.Marshal(rep)
		body = append(body, '\n')
		w.Header().Set("Content-Type", "application/json")
	} else {
		body = []byte(rep.keyValue())
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if _, err := w.Write(body); err != nil {
		return false
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return true
}

// getjob is the long-poll claim endpoint. The claim transaction is committed
// only once the job descriptor has reached the agent; a failed write rolls it
// back so the build returns to pending.
func (d *Dispatch) getjob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, ok := d.authAgent(w, r)
	if !ok {
		return
	}
	targets := splitTargets(r.FormValue("targets"))
	if len(targets) == 0 {
		http.Error(w, "missing targets", http.StatusBadRequest)
		return
	}

	deadline := now.Now(ctx).Add(time.Duration(d.cfg.HTTP.LongPollTimeout) * time.Second)
	tick := time.NewTicker(d.pollInterval)
	defer tick.Stop()
	fails := 0

	for {
		b, commit, rollback, err := d.store.ClaimBuild(ctx, targets, agent)
		switch {
		case err == nil:
			d.finishClaim(ctx, w, r, agent, b, commit, rollback)
			return
		case types.IsNoData(err):
			if !now.Now(ctx).Before(deadline) {
				d.empty.Inc(1)
				writeJobReply(w, r, &jobReply{Type: "none"})
				return
			}
		case types.IsTransient(err):
			fails++
			if fails >= claimRetries {
				d.empty.Inc(1)
				writeJobReply(w, r, &jobReply{Type: "none"})
				return
			}
			dlog.Infof("Transient error while querying db, retry #%d", fails)
		default:
			httputils.ReportError(w, err, "Failed to claim build", http.StatusInternalServerError)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// finishClaim sends the claimed job and commits, or rolls the claim back when
// the agent cannot be reached or the project cannot be resolved.
func (d *Dispatch) finishClaim(ctx context.Context, w http.ResponseWriter, r *http.Request, agent string, b *types.Build, commit store.CommitFn, rollback store.RollbackFn) {
	p := d.reg.Get(b.Project)
	if p == nil {
		dlog.Errorf("Build #%d: claimed for unconfigured project %s", b.ID, b.Project)
		_ = rollback(ctx)
		http.Error(w, "project not configured", http.StatusServiceUnavailable)
		return
	}
	upstream := p.Config().GitRepo.Pub
	if upstream == "" {
		dlog.Errorf("Build #%d: project %s has no public repo URL", b.ID, b.Project)
		_ = rollback(ctx)
		http.Error(w, "project has no repo", http.StatusServiceUnavailable)
		return
	}

	p.Logf("build/queue", "Build #%d: %s rev:%.8s claimed by %s", b.ID, b.Version, b.Revision, agent)

	rep := &jobReply{
		Type:      "build",
		ID:        b.ID,
		Revision:  b.Revision,
		Target:    b.Target,
		JobSecret: b.JobSecret,
		Project:   b.Project,
		Repo:      upstream,
		Version:   b.Version,
		NoOutput:  b.NoOutput,
	}
	if !writeJobReply(w, r, rep) {
		p.Logf("build/queue", "Build #%d: Transaction aborted, HTTP write failed to agent %s", b.ID, agent)
		_ = rollback(ctx)
		return
	}
	if err := commit(ctx); err != nil {
		dlog.Errorf("Build #%d: claim commit failed -- %s", b.ID, err)
		return
	}
	d.claimed.Inc(1)
}

// report applies an agent's status transition to a building build.
func (d *Dispatch) report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobidStr := r.FormValue("jobid")
	jobsecret := r.FormValue("jobsecret")
	newStatus := r.FormValue("status")
	msg := r.FormValue("msg")
	if jobidStr == "" || jobsecret == "" || newStatus == "" {
		http.Error(w, "missing arguments", http.StatusBadRequest)
		return
	}
	jobid, err := strconv.ParseInt(jobidStr, 10, 64)
	if err != nil {
		http.Error(w, "bad jobid", http.StatusBadRequest)
		return
	}

	b, err := d.store.GetBuild(ctx, jobid)
	if types.IsNoData(err) {
		dlog.Errorf("Received report for unknown job %d", jobid)
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	if err != nil {
		httputils.ReportError(w, err, "Failed to load build", http.StatusServiceUnavailable)
		return
	}

	if b.Status != types.BUILD_STATUS_BUILDING {
		d.logf(b.Project, "build/status",
			"Build #%d: Received status update '%s' rejected because job is in state %s",
			jobid, newStatus, b.Status)
		http.Error(w, "job not building", http.StatusPreconditionFailed)
		return
	}
	if b.JobSecret != jobsecret {
		d.logf(b.Project, "build/status",
			"Build #%d: Received status update with invalid jobsecret '%s' expected '%s'",
			jobid, jobsecret, b.JobSecret)
		http.Error(w, "invalid jobsecret", http.StatusForbidden)
		return
	}

	url := d.buildURL(jobid)
	metrics.GetCounter("dispatch_reports", map[string]string{"status": newStatus}).Inc(1)

	switch types.BuildStatus(newStatus) {
	case types.BUILD_STATUS_BUILDING:
		if err := d.store.SetBuildInProgress(ctx, jobid, msg); err != nil {
			httputils.ReportError(w, err, "Failed to update build", http.StatusServiceUnavailable)
			return
		}
		d.logf(b.Project, "build/status", "Build #%d: %s for %s status: %s",
			jobid, b.Version, b.Target, msg)

	case types.BUILD_STATUS_FAILED:
		if err := d.store.FinishBuild(ctx, jobid, types.BUILD_STATUS_FAILED, msg); err != nil {
			httputils.ReportError(w, err, "Failed to update build", http.StatusServiceUnavailable)
			return
		}
		d.logf(b.Project, "build/finalstatus", "Build #%d: %s for %s %s %s",
			jobid, b.Version, b.Target, color.RedString("failed: %s", msg), url)

	case types.BUILD_STATUS_DONE:
		if err := d.store.FinishBuild(ctx, jobid, types.BUILD_STATUS_DONE, ""); err != nil {
			httputils.ReportError(w, err, "Failed to update build", http.StatusServiceUnavailable)
			return
		}
		d.logf(b.Project, "build/finalstatus", "Build #%d: %s for %s %s %s",
			jobid, b.Version, b.Target, color.GreenString("completed"), url)
		d.reg.Schedule(b.Project, types.JobGenerateReleases)

	case types.BUILD_STATUS_TEMPFAILED:
		if b.Attempts < d.cfg.Buildmaster.BuildAttempts {
			if err := d.store.RestartBuild(ctx, jobid, types.BUILD_STATUS_PENDING); err != nil {
				httputils.ReportError(w, err, "Failed to update build", http.StatusServiceUnavailable)
				return
			}
			d.logf(b.Project, "build/status",
				"Build #%d: %s for %s failed temporarily: %s. Returning to queue",
				jobid, b.Version, b.Target, msg)
		} else {
			if err := d.store.RestartBuild(ctx, jobid, types.BUILD_STATUS_TOO_MANY_ATTEMPTS); err != nil {
				httputils.ReportError(w, err, "Failed to update build", http.StatusServiceUnavailable)
				return
			}
			d.logf(b.Project, "build/finalstatus", "%s %s",
				color.RedString("Build #%d too many build attempts failed. Giving up.", jobid), url)
		}

	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// splitTargets parses the comma-separated targets argument, dropping empty
// entries and capping the list.
func splitTargets(arg string) []string {
	if arg == "" {
		return nil
	}
	parts := strings.Split(arg, ",")
	rv := make([]string, 0, len(parts))
	for _, t := range parts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		rv = append(rv, t)
		if len(rv) == maxTargets {
			break
		}
	}
	return rv
}
