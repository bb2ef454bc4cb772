// Package artifact implements artifact intake from agents and artifact
// serving, including bsdiff patch generation for delta downloads. Bytes land
// in one of three storage backends: embedded in the row, a file under the
// project's artifact path, or an S3 object reached via presigned URLs.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	ttlcache "github.com/patrickmn/go-cache"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/metrics"
	"go.doozer.org/infra/go/s3"
)

const (
	// maxBodySize caps what an agent may upload in one artifact.
	maxBodySize = 64 << 20

	// embedLimit is the largest body stored inline in the artifact row.
	embedLimit = 16384

	// putURLExpiry bounds the presigned S3 upload URL handed to agents.
	putURLExpiry = 300 * time.Second

	// getURLExpiry bounds presigned S3 download URLs; they are cached for
	// urlCacheTTL so concurrent downloaders share one signature.
	getURLExpiry = 60 * time.Second
	urlCacheTTL  = 30 * time.Second
)

// Projects is the registry surface the artifact server needs.
type Projects interface {
	Get(id string) *project.Project
}

// Server handles artifact intake and serving.
type Server struct {
	store  store.Store
	reg    Projects
	cfg    *types.RootConfig
	client *http.Client

	// urlCache maps sha1 to a presigned S3 GET URL.
	urlCache *ttlcache.Cache

	// patchMtx serializes patch file creation.
	patchMtx sync.Mutex

	received metrics.Counter
	served   metrics.Counter
}

// New returns a Server.
func New(st store.Store, reg Projects, cfg *types.RootConfig) *Server {
	return &Server{
		store:    st,
		reg:      reg,
		cfg:      cfg,
		client:   httputils.NewTimeoutClient(),
		urlCache: ttlcache.New(urlCacheTTL, time.Minute),
		received: metrics.GetCounter("artifact_received"),
		served:   metrics.GetCounter("artifact_served"),
	}
}

// Register mounts the intake and serving endpoints on the router.
func (s *Server) Register(r chi.Router) {
	r.Put("/buildmaster/artifact", s.put)
	r.Get("/file/{sha1}", s.serveFile)
}

func (s *Server) logf(projectID, channel, format string, args ...interface{}) {
	if p := s.reg.Get(projectID); p != nil {
		p.Logf(channel, format, args...)
		return
	}
	dlog.Infof("%s [%s]: %s", projectID, channel, fmt.Sprintf(format, args...))
}

func orUnset(s string) string {
	if s == "" {
		return "<unset>"
	}
	return s
}

// put is the artifact intake endpoint. The storage route is decided before
// the body is read so an S3 redirect answers the agent's Expect/100-continue
// without consuming the upload.
func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	jobidStr := q.Get("jobid")
	jobsecret := q.Get("jobsecret")
	typ := q.Get("type")
	name := q.Get("name")
	md5sum := q.Get("md5sum")
	sha1sum := q.Get("sha1sum")
	if jobidStr == "" || jobsecret == "" || typ == "" || name == "" || md5sum == "" || sha1sum == "" {
		http.Error(w, "missing arguments", http.StatusBadRequest)
		return
	}
	jobid, err := strconv.ParseInt(jobidStr, 10, 64)
	if err != nil {
		http.Error(w, "bad jobid", http.StatusBadRequest)
		return
	}
	origSize, _ := strconv.ParseInt(q.Get("origsize"), 10, 64)

	encoding := r.Header.Get("Content-Encoding")
	contentType := r.Header.Get("Content-Type")
	dlog.Debugf("Build #%d: Received artifact '%s' content-encoding:'%s' content-type:'%s'",
		jobid, name, orUnset(encoding), orUnset(contentType))

	b, err := s.store.GetBuild(ctx, jobid)
	if types.IsNoData(err) {
		dlog.Errorf("Received artifact for unknown job %d", jobid)
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	if err != nil {
		httputils.ReportError(w, err, "Failed to load build", http.StatusServiceUnavailable)
		return
	}
	if b.Status != types.BUILD_STATUS_BUILDING {
		s.logf(b.Project, "build/artifact",
			"Build #%d: Received artifact '%s' rejected because job is in state %s",
			jobid, name, b.Status)
		http.Error(w, "job not building", http.StatusPreconditionFailed)
		return
	}
	if b.JobSecret != jobsecret {
		s.logf(b.Project, "build/artifact",
			"Build #%d: Received artifact with invalid jobsecret '%s' expected '%s'",
			jobid, jobsecret, b.JobSecret)
		http.Error(w, "invalid jobsecret", http.StatusForbidden)
		return
	}
	p := s.reg.Get(b.Project)
	if p == nil {
		http.Error(w, "project not configured", http.StatusGone)
		return
	}

	a := &types.Artifact{
		BuildID:     jobid,
		Type:        typ,
		Name:        name,
		MD5:         md5sum,
		SHA1:        sha1sum,
		ContentType: contentType,
		Encoding:    encoding,
		OrigSize:    origSize,
	}

	if s3cfg := p.Config().S3; s3cfg != nil {
		s.redirectToS3(w, r, p, s3cfg, a)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		httputils.ReportError(w, err, "Failed to read artifact body", http.StatusInternalServerError)
		return
	}
	if len(body) > maxBodySize {
		http.Error(w, "artifact too large", http.StatusRequestEntityTooLarge)
		return
	}
	a.Size = int64(len(body))

	if len(body) > embedLimit || encoding != "" || !strings.HasPrefix(contentType, "text/plain") {
		s.storeAsFile(ctx, w, p, a, body)
		return
	}

	a.Storage = types.STORAGE_EMBEDDED
	a.Payload = body
	if _, err := s.store.InsertArtifact(ctx, a); err != nil {
		httputils.ReportError(w, err, "Failed to record artifact", http.StatusServiceUnavailable)
		return
	}
	s.received.Inc(1)
	p.Logf("build/artifact", "Build #%d: Artifact '%s' stored in db", a.BuildID, a.Name)
	w.WriteHeader(http.StatusOK)
}

// redirectToS3 records the artifact row pointing at the bucket and sends the
// agent a presigned PUT URL. The body is never read here; the agent uploads
// it to the redirect target.
func (s *Server) redirectToS3(w http.ResponseWriter, r *http.Request, p *project.Project, s3cfg *types.S3Config, a *types.Artifact) {
	key := fmt.Sprintf("%s/%d/%s", p.ID, a.BuildID, a.Name)
	client := s3.NewClient(s3cfg.AWSID, s3cfg.Secret, s3cfg.Bucket, s.client)
	url := client.SignedPutURL(key, a.ContentType, time.Now().Add(putURLExpiry))

	a.Storage = types.STORAGE_S3
	a.Payload = []byte(key)
	if a.Size = r.ContentLength; a.Size < 0 {
		a.Size = 0
	}
	if _, err := s.store.InsertArtifact(r.Context(), a); err != nil {
		httputils.ReportError(w, err, "Failed to record artifact", http.StatusServiceUnavailable)
		return
	}
	s.received.Inc(1)
	p.Logf("build/artifact", "Build #%d: Artifact '%s' redirected to s3 bucket %s",
		a.BuildID, a.Name, s3cfg.Bucket)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// storeAsFile writes the body under the project's artifact path. The payload
// recorded in the row is the path relative to that base.
func (s *Server) storeAsFile(ctx context.Context, w http.ResponseWriter, p *project.Project, a *types.Artifact, body []byte) {
	rel := fmt.Sprintf("%d/%s", a.BuildID, a.Name)
	path := filepath.Join(p.ArtifactPath(), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		p.Logf("build/artifact", "Build #%d: Unable to open file '%s' for artifact '%s' -- %s",
			a.BuildID, path, a.Name, err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(path, body, 0640); err != nil {
		p.Logf("build/artifact", "Build #%d: Unable to write file '%s' for artifact '%s' -- %s",
			a.BuildID, path, a.Name, err)
		_ = os.Remove(path)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	a.Storage = types.STORAGE_FILE
	a.Payload = []byte(rel)
	if _, err := s.store.InsertArtifact(ctx, a); err != nil {
		_ = os.Remove(path)
		httputils.ReportError(w, err, "Failed to record artifact", http.StatusServiceUnavailable)
		return
	}
	s.received.Inc(1)
	p.Logf("build/artifact", "Build #%d: Artifact '%s' stored as file '%s'", a.BuildID, a.Name, rel)
	w.WriteHeader(http.StatusOK)
}
