package artifact

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kr/binarydist"

	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/s3"
	"go.doozer.org/infra/go/util"
)

// serveFile handles GET /file/{sha1}: embedded rows inline, file rows from
// the project's artifact path with optional bsdiff patching, s3 rows via a
// presigned redirect.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sha1 := chi.URLParam(r, "sha1")
	a, err := s.store.ArtifactBySHA1(ctx, sha1)
	if types.IsNoData(err) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httputils.ReportError(w, err, "Failed to look up artifact", http.StatusInternalServerError)
		return
	}

	ct := a.ContentType
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	if !strings.HasPrefix(ct, "text/plain") {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", a.Name))
	}
	accepted := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))

	switch a.Storage {
	case types.STORAGE_EMBEDDED:
		s.serveEmbedded(ctx, w, a, ct, accepted)
	case types.STORAGE_FILE:
		s.serveFromFile(ctx, w, a, ct, accepted)
	case types.STORAGE_S3:
		s.serveFromS3(ctx, w, r, a)
	default:
		dlog.Errorf("Unknown storage type: %s", a.Storage)
		http.Error(w, "unknown storage", http.StatusNotImplemented)
	}
}

// parseAcceptEncoding splits the header into lowercased tokens with quality
// parameters stripped.
func parseAcceptEncoding(hdr string) []string {
	if hdr == "" {
		return nil
	}
	parts := strings.Split(hdr, ",")
	rv := make([]string, 0, len(parts))
	for _, p := range parts {
		if i := strings.IndexByte(p, ';'); i >= 0 {
			p = p[:i]
		}
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			rv = append(rv, p)
		}
	}
	return rv
}

func acceptsEncoding(accepted []string, enc string) bool {
	return util.In(strings.ToLower(enc), accepted)
}

func (s *Server) serveEmbedded(ctx context.Context, w http.ResponseWriter, a *types.Artifact, ct string, accepted []string) {
	body := a.Payload
	if a.Encoding != "" {
		if acceptsEncoding(accepted, a.Encoding) {
			w.Header().Set("Content-Encoding", a.Encoding)
		} else if a.Encoding == "gzip" {
			plain, err := gunzip(body)
			if err != nil {
				httputils.ReportError(w, err, "Failed to decode artifact", http.StatusInternalServerError)
				return
			}
			body = plain
		}
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if _, err := w.Write(body); err != nil {
		return
	}
	s.served.Inc(1)
	util.LogErr(s.store.IncDownloadCount(ctx, a.SHA1))
}

func (s *Server) serveFromFile(ctx context.Context, w http.ResponseWriter, a *types.Artifact, ct string, accepted []string) {
	p := s.reg.Get(a.Project)
	if p == nil {
		dlog.Infof("Missing artifactPath for project %s -- unable to locate artifacts", a.Project)
		http.Error(w, "project not configured", http.StatusInternalServerError)
		return
	}
	path := filepath.Join(p.ArtifactPath(), string(a.Payload))

	for _, enc := range accepted {
		old := strings.TrimPrefix(enc, "bspatch-from-")
		if old == enc {
			continue
		}
		if s.sendPatch(ctx, w, old, a, path, p.ArtifactPath()) {
			s.served.Inc(1)
			util.LogErr(s.store.IncPatchCount(ctx, a.SHA1))
			return
		}
		break
	}

	body, err := os.ReadFile(path)
	if err != nil {
		dlog.Infof("Missing file '%s' for artifact %s in project %s -- %s", path, a.SHA1, a.Project, err)
		http.Error(w, "artifact data missing", http.StatusNotFound)
		return
	}
	if a.Encoding != "" {
		if acceptsEncoding(accepted, a.Encoding) {
			w.Header().Set("Content-Encoding", a.Encoding)
		} else if a.Encoding == "gzip" {
			plain, gerr := gunzip(body)
			if gerr != nil {
				httputils.ReportError(w, gerr, "Failed to decode artifact", http.StatusInternalServerError)
				return
			}
			body = plain
		}
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if _, err := w.Write(body); err != nil {
		return
	}
	s.served.Inc(1)
	util.LogErr(s.store.IncDownloadCount(ctx, a.SHA1))
}

// sendPatch serves a bsdiff patch taking the client from oldSha1 to the
// requested artifact, generating and caching it under the patch stash on
// first use. Returns false when patching is not possible so the caller can
// fall back to a full download.
func (s *Server) sendPatch(ctx context.Context, w http.ResponseWriter, oldSha1 string, a *types.Artifact, newPath, basepath string) bool {
	if a.Encoding != "" && a.Encoding != "gzip" {
		return false
	}
	util.MkdirAll(s.cfg.PatchStash, 0770)
	patchFile := filepath.Join(s.cfg.PatchStash, fmt.Sprintf("%s-%s", oldSha1, a.SHA1))

	s.patchMtx.Lock()
	if _, err := os.Stat(patchFile); err != nil {
		if !s.generatePatch(ctx, oldSha1, a, newPath, basepath, patchFile) {
			s.patchMtx.Unlock()
			return false
		}
	}
	s.patchMtx.Unlock()

	body, err := os.ReadFile(patchFile)
	if err != nil {
		dlog.Errorf("Unable to open generated patch file %s -- %s", patchFile, err)
		return false
	}
	w.Header().Set("Content-Type", "binary/bsdiff")
	w.Header().Set("Content-Encoding", fmt.Sprintf("bspatch-from-%s", oldSha1))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
	return true
}

// generatePatch computes the bsdiff between the stored bytes of oldSha1 and
// the new artifact, writing it atomically to patchFile. Caller holds
// patchMtx.
func (s *Server) generatePatch(ctx context.Context, oldSha1 string, a *types.Artifact, newPath, basepath, patchFile string) bool {
	oldA, err := s.store.ArtifactBySHA1(ctx, oldSha1)
	if err != nil {
		dlog.Debugf("Unable to patch from unknown SHA-1 %s", oldSha1)
		return false
	}
	if oldA.Storage != types.STORAGE_FILE {
		dlog.Debugf("Unable to patch from non-file artifact %s", oldSha1)
		return false
	}
	oldPath := filepath.Join(basepath, string(oldA.Payload))
	dlog.Infof("Generating new patch between %s (%s) => %s (%s)", oldSha1, oldPath, a.SHA1, newPath)

	newBytes, err := loadMaybeGzip(newPath, a.Encoding == "gzip")
	if err != nil {
		dlog.Errorf("Unable to open file %s for patch creation -- %s", newPath, err)
		return false
	}
	oldBytes, err := loadMaybeGzip(oldPath, oldA.Encoding == "gzip")
	if err != nil {
		dlog.Errorf("Unable to open file %s for patch creation -- %s", oldPath, err)
		return false
	}
	err = util.WithWriteFile(patchFile, func(w io.Writer) error {
		return binarydist.Diff(bytes.NewReader(oldBytes), bytes.NewReader(newBytes), w)
	})
	if err != nil {
		dlog.Errorf("Unable to generate patch file %s -- %s", patchFile, err)
		return false
	}
	dlog.Infof("Generated patch between %s (%s) => %s (%s)", oldSha1, oldPath, a.SHA1, newPath)
	return true
}

func (s *Server) serveFromS3(ctx context.Context, w http.ResponseWriter, r *http.Request, a *types.Artifact) {
	if url, ok := s.urlCache.Get(a.SHA1); ok {
		http.Redirect(w, r, url.(string), http.StatusFound)
		s.served.Inc(1)
		util.LogErr(s.store.IncDownloadCount(ctx, a.SHA1))
		return
	}
	p := s.reg.Get(a.Project)
	if p == nil {
		http.NotFound(w, r)
		return
	}
	s3cfg := p.Config().S3
	if s3cfg == nil {
		dlog.Infof("Missing S3 config for project '%s'. Unable to serve files", a.Project)
		http.Error(w, "missing s3 config", http.StatusPreconditionFailed)
		return
	}
	client := s3.NewClient(s3cfg.AWSID, s3cfg.Secret, s3cfg.Bucket, s.client)
	url := client.SignedGetURL(string(a.Payload), time.Now().Add(getURLExpiry))
	s.urlCache.SetDefault(a.SHA1, url)
	http.Redirect(w, r, url, http.StatusFound)
	s.served.Inc(1)
	util.LogErr(s.store.IncDownloadCount(ctx, a.SHA1))
}

// gunzip decodes a gzip buffer fully into memory.
func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer util.Close(zr)
	return io.ReadAll(zr)
}

// loadMaybeGzip reads a file, inflating it when it is stored gzip-encoded.
func loadMaybeGzip(path string, gzipped bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !gzipped {
		return data, nil
	}
	return gunzip(data)
}
