// Package github receives GitHub push webhooks and turns them into repo
// update jobs. The hook URL carries the project id and a shared key, so one
// endpoint serves every configured project.
package github

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v29/github"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/metrics"
)

// maxPayloadSize bounds a webhook body; push events are far smaller.
const maxPayloadSize = 16 << 20

// Projects resolves project ids and schedules their jobs.
type Projects interface {
	Get(id string) *project.Project
	Schedule(id string, mask types.JobMask)
}

// Webhook handles push notifications.
type Webhook struct {
	reg    Projects
	pushes metrics.Counter
}

// New returns a Webhook over the given project registry.
func New(reg Projects) *Webhook {
	return &Webhook{
		reg:    reg,
		pushes: metrics.GetCounter("github_pushes"),
	}
}

// Register mounts the hook endpoint.
func (h *Webhook) Register(r chi.Router) {
	r.Post("/github", h.push)
}

func (h *Webhook) push(w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("project")
	if pid == "" {
		dlog.Warningf("github: Missing 'project' in request")
		http.Error(w, "missing project", http.StatusBadRequest)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		dlog.Warningf("github: Missing 'key' in request")
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	p := h.reg.Get(pid)
	if p == nil {
		dlog.Debugf("github: Project '%s' not configured", pid)
		http.Error(w, "no such project", http.StatusNotFound)
		return
	}
	if p.Config().GitHub.Key != key {
		dlog.Warningf("github: Invalid key received (%s) for project %s", key, pid)
		http.Error(w, "invalid key", http.StatusForbidden)
		return
	}
	payload := payloadBytes(r)
	if len(payload) == 0 {
		p.Logf("github", "github: Missing payload in request")
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}
	ev := &github.PushEvent{}
	if err := json.Unmarshal(payload, ev); err != nil {
		p.Logf("github", "github: Malformed JSON in github request -- %s", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	h.pushes.Inc(1)
	h.handlePush(p, ev)
	w.WriteHeader(http.StatusOK)
}

// payloadBytes extracts the event JSON: modern hooks post it as the raw
// body, the legacy form encoding wraps it in a "payload" field.
func payloadBytes(r *http.Request) []byte {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return []byte(r.FormValue("payload"))
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		return nil
	}
	return body
}

// handlePush logs the pushed commits and schedules a repo update. Events
// without a ref or commit list (tag pushes, pings) are acknowledged but
// trigger nothing.
func (h *Webhook) handlePush(p *project.Project, ev *github.PushEvent) {
	if ev.Ref == nil || ev.Commits == nil {
		return
	}
	ref := strings.TrimPrefix(ev.GetRef(), "refs/heads/")
	channel := "changes/" + ref

	pusher := ev.GetPusher().GetName()
	if pusher == "" {
		pusher = "???"
	}
	p.Logf(channel, "Push to branch '%s' by %s", ref, pusher)

	for _, c := range ev.Commits {
		parts := []string{}
		if n := len(c.Added); n > 0 {
			parts = append(parts, color.GreenString("%d file%s added", n, plural(n)))
		}
		if n := len(c.Modified); n > 0 {
			parts = append(parts, color.YellowString("%d file%s modified", n, plural(n)))
		}
		if n := len(c.Removed); n > 0 {
			parts = append(parts, color.RedString("%d file%s removed", n, plural(n)))
		}
		author := c.GetAuthor().GetName()
		if author == "" {
			author = "???"
		}
		line := fmt.Sprintf("Commit in '%s' by %s [%s]",
			color.BlueString("%s", ref), color.MagentaString("%s", author), strings.Join(parts, ", "))
		if url := c.GetURL(); url != "" {
			line += " " + url
		}
		p.Logf(channel, "%s", line)
		if msg := c.GetMessage(); msg != "" {
			p.Logf(channel, "%s", msg)
		}
	}
	h.reg.Schedule(p.ID, types.JobUpdateRepo)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
