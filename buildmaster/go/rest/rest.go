// Package rest serves the read-only JSON API that web UIs poll: build
// listings and counts, single builds with their artifacts, per-revision
// summaries and the published release manifest.
package rest

import (
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fiorix/go-web/autogzip"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/s3"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Projects resolves project ids.
type Projects interface {
	Get(id string) *project.Project
}

// Server answers the read-only API.
type Server struct {
	store store.Store
	reg   Projects
	cfg   *types.RootConfig
}

// New returns a Server over the given store and project registry.
func New(st store.Store, reg Projects, cfg *types.RootConfig) *Server {
	return &Server{store: st, reg: reg, cfg: cfg}
}

// Register mounts the API under /projects with permissive CORS, so status
// pages hosted elsewhere can query it. Responses are JSON and compress
// well, so the subrouter gzips them when the client allows it.
func (s *Server) Register(r chi.Router) {
	api := chi.NewRouter()
	api.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler)
	api.Use(func(h http.Handler) http.Handler { return autogzip.Handle(h) })
	api.Get("/{org}/{name}/builds.count", s.buildsCount)
	api.Get("/{org}/{name}/builds.json", s.buildsList)
	api.Get("/{org}/{name}/builds/{id}.json", s.buildDetail)
	api.Get("/{org}/{name}/revisions/{rev}.json", s.revision)
	api.Get("/{org}/{name}/releases.json", s.releases)
	r.Mount("/projects", api)
}

func projectID(r *http.Request) string {
	return chi.URLParam(r, "org") + "/" + chi.URLParam(r, "name")
}

// sendJSON writes one response. Encoding failures can only happen after the
// header is out, so they are just logged.
func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		dlog.Errorf("Failed to encode JSON response: %s", err)
	}
}

func (s *Server) buildsCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountBuilds(r.Context(), projectID(r), "")
	if err != nil {
		httputils.ReportError(w, err, "Failed to count builds.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]int64{"count": n})
}

func (s *Server) buildsList(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := httputils.PaginationParams(r.URL.Query(), 0, defaultLimit, maxLimit)
	if err != nil {
		httputils.ReportError(w, err, "Invalid pagination parameters.", http.StatusBadRequest)
		return
	}
	builds, err := s.store.ListBuilds(r.Context(), projectID(r), offset, limit)
	if err != nil {
		httputils.ReportError(w, err, "Failed to list builds.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, builds)
}

// restArtifact decorates an artifact row with its download URL.
type restArtifact struct {
	*types.Artifact
	URL string `json:"url,omitempty"`
}

// buildReply is a build with its artifacts attached.
type buildReply struct {
	*types.Build
	Artifacts []restArtifact `json:"artifacts"`
}

func (s *Server) artifactURL(a *types.Artifact) string {
	if s.cfg.ArtifactPrefix == "" {
		return ""
	}
	return s.cfg.ArtifactPrefix + "/file/" + a.SHA1
}

func (s *Server) buildDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputils.ReportError(w, err, "Invalid build id.", http.StatusBadRequest)
		return
	}
	b, err := s.store.GetBuild(r.Context(), id)
	if types.IsNoData(err) || (err == nil && b.Project != projectID(r)) {
		http.Error(w, "no such build", http.StatusNotFound)
		return
	}
	if err != nil {
		httputils.ReportError(w, err, "Failed to load build.", http.StatusInternalServerError)
		return
	}
	arts, err := s.store.ArtifactsForBuild(r.Context(), id)
	if err != nil {
		httputils.ReportError(w, err, "Failed to load artifacts.", http.StatusInternalServerError)
		return
	}
	reply := buildReply{Build: b, Artifacts: make([]restArtifact, 0, len(arts))}
	for _, a := range arts {
		reply.Artifacts = append(reply.Artifacts, restArtifact{Artifact: a, URL: s.artifactURL(a)})
	}
	sendJSON(w, reply)
}

// revisionReply summarizes one revision: its describe version and every
// build recorded at it.
type revisionReply struct {
	ID      string         `json:"id"`
	Version string         `json:"version"`
	Builds  []*types.Build `json:"builds"`
}

func (s *Server) revision(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	p := s.reg.Get(id)
	if p == nil {
		http.Error(w, "no such project", http.StatusNotFound)
		return
	}
	rev := chi.URLParam(r, "rev")
	version, err := p.Mirror().Describe(rev, false)
	if err != nil {
		http.Error(w, "no such revision", http.StatusNotFound)
		return
	}
	builds, err := s.store.BuildsForRevision(r.Context(), id, rev)
	if err != nil {
		httputils.ReportError(w, err, "Failed to load builds.", http.StatusInternalServerError)
		return
	}
	sendJSON(w, revisionReply{ID: rev, Version: version, Builds: builds})
}

// releases serves the aggregate manifest the release maker publishes. For an
// s3 destination the client is redirected to a short-lived signed URL.
func (s *Server) releases(w http.ResponseWriter, r *http.Request) {
	id := projectID(r)
	p := s.reg.Get(id)
	if p == nil {
		http.Error(w, "no such project", http.StatusNotFound)
		return
	}
	cfg := p.Config()
	if cfg.ReleaseTracks == nil || cfg.ReleaseTracks.ManifestDir == "" {
		http.Error(w, "no releases configured", http.StatusPreconditionFailed)
		return
	}
	dir := cfg.ReleaseTracks.ManifestDir
	if strings.HasPrefix(dir, "s3://") {
		s.redirectToManifest(w, r, p, dir)
		return
	}
	path := filepath.Join(dir, "all.json")
	data, err := os.ReadFile(path)
	if err != nil {
		dlog.Errorf("Unable to read file %s -- %s", path, err)
		http.Error(w, "no release manifest", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) redirectToManifest(w http.ResponseWriter, r *http.Request, p *project.Project, uri string) {
	s3cfg := p.Config().S3
	if s3cfg == nil {
		http.Error(w, "no S3 config for project", http.StatusPreconditionFailed)
		return
	}
	bucket, prefix, err := s3.SplitURI(uri)
	if err != nil {
		httputils.ReportError(w, err, "Bad manifest destination.", http.StatusInternalServerError)
		return
	}
	client := s3.NewClient(s3cfg.AWSID, s3cfg.Secret, bucket, nil)
	url := client.SignedGetURL(path.Join(prefix, "all.json"), time.Now().Add(time.Minute))
	http.Redirect(w, r, url, http.StatusFound)
}
