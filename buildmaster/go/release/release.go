// Package release regenerates the update manifests that release clients
// poll: one JSON document per (track, target) pair holding the newest
// successful build on the track's branch, plus an aggregate all.json
// listing every track that carries a description.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Jeffail/gabs/v2"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/gitmirror"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/metrics"
	"go.doozer.org/infra/go/s3"
	"go.doozer.org/infra/go/util"
)

const (
	// walkLimit caps how far below a branch tip the maker looks for a
	// successful build before giving up on a target.
	walkLimit = 100

	// changelogLimit caps changelog entries per manifest.
	changelogLimit = 100
)

// Maker generates release manifests. It is installed as the project
// registry's GenerateReleases hook.
type Maker struct {
	store  store.Store
	cfg    *types.RootConfig
	client *http.Client

	// last remembers the content most recently pushed per s3 object so
	// unchanged manifests are not re-uploaded.
	mtx  sync.Mutex
	last map[string][]byte

	published metrics.Counter
}

// New returns a Maker using the given store and root config. Manifest
// uploads are idempotent PUTs, so the client retries transient failures.
func New(st store.Store, cfg *types.RootConfig) *Maker {
	return &Maker{
		store:     st,
		cfg:       cfg,
		client:    httputils.DefaultClientConfig().Client(),
		last:      map[string][]byte{},
		published: metrics.GetCounter("release_manifests_published"),
	}
}

// manifestArtifact is one downloadable file in a manifest.
type manifestArtifact struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	SHA1  string `json:"sha1"`
	Size  int64  `json:"size"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// changelogEntry is one commit note in a manifest changelog.
type changelogEntry struct {
	Version string `json:"version"`
	Desc    string `json:"desc"`
}

// targetManifest is the per-target release document. The copy embedded in
// all.json carries no changelog and only titled artifacts.
type targetManifest struct {
	Arch      string             `json:"arch"`
	Title     string             `json:"title"`
	Version   string             `json:"version"`
	Branch    string             `json:"branch"`
	Artifacts []manifestArtifact `json:"artifacts"`
	Manifest  json.RawMessage    `json:"manifest,omitempty"`
	Changelog []changelogEntry   `json:"changelog,omitempty"`
}

// trackManifest is one entry of all.json.
type trackManifest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Targets     []targetManifest `json:"targets"`
}

// candidate is the newest successful build found for one target on one
// branch, with its artifacts loaded.
type candidate struct {
	build     *types.Build
	branch    string
	artifacts []*types.Artifact
}

// trackState is a track with its branch resolved and candidates collected.
type trackState struct {
	cfg    *types.Track
	branch string
	builds map[string]*candidate
}

// GenerateReleases rebuilds every release manifest for the project.
func (m *Maker) GenerateReleases(ctx context.Context, p *project.Project) error {
	p.Logf("release/check", "Starting releasemaker check")
	rt := p.Config().ReleaseTracks
	if rt == nil {
		p.Logf("release/info/all", "No releaseTracks configured")
		return nil
	}
	if len(rt.Tracks) == 0 {
		p.Logf("release/info/all", "No tracks configured")
		return nil
	}
	if len(rt.Targets) == 0 {
		p.Logf("release/info/all", "No targets configured")
		return nil
	}
	if m.cfg.ArtifactPrefix == "" {
		p.Logf("release/info/all", "No artifactPrefix configured")
		return nil
	}
	if rt.ManifestDir == "" {
		p.Logf("release/info/all", "No manifestDir configured")
		return nil
	}

	states, err := m.collect(ctx, p, rt)
	if err != nil {
		return err
	}

	// Targets that got a build from at least one track. Distinguishes "no
	// build anywhere" from "no build on this track's branch".
	anyBuild := map[string]bool{}
	for _, ts := range states {
		for tgt := range ts.builds {
			anyBuild[tgt] = true
		}
	}

	allTracks := []trackManifest{}
	for _, ts := range states {
		aggTargets := []targetManifest{}
		for i := range rt.Targets {
			tt := &rt.Targets[i]
			cand := ts.builds[tt.Target]
			if cand == nil {
				if !anyBuild[tt.Target] {
					p.Logf("release/info/"+tt.Target, "Manifest: Target %s: No builds available", tt.Target)
				} else {
					p.Logf("release/info/"+tt.Target, "ReleaseTrack %s: Target %s: no matching branch for pattern '%s'",
						ts.cfg.Name, tt.Target, ts.cfg.Branch)
				}
				continue
			}
			p.Logf("release/info/"+tt.Target, "ReleaseTrack: %s Target %s: Using branch '%s' for pattern '%s'",
				ts.cfg.Name, tt.Target, cand.branch, ts.cfg.Branch)

			tm := m.targetManifest(p, tt, cand)
			aggTargets = append(aggTargets, aggregateCopy(tm))

			tm.Changelog = m.changelog(p, cand.build.Revision, tt.Target)
			name := fmt.Sprintf("%s-%s.json", ts.cfg.Name, tt.Target)
			changed, err := m.publish(ctx, p, rt.ManifestDir, name, marshalManifest(tm))
			if err != nil {
				p.Logf("release/info/"+tt.Target, "Unable to write releasetrack file %s -- %s", name, err)
			} else if changed {
				m.published.Inc(1)
				p.Logf("release/publish/"+tt.Target,
					color.GreenString("New %s release '%s' available for %s", ts.cfg.Title, cand.build.Version, tt.Target))
			}
		}
		if ts.cfg.Description != "" {
			allTracks = append(allTracks, trackManifest{
				Name:        ts.cfg.Title,
				Description: ts.cfg.Description,
				Targets:     aggTargets,
			})
		}
	}

	changed, err := m.publish(ctx, p, rt.ManifestDir, "all.json", marshalManifest(allTracks))
	if err != nil {
		p.Logf("release/info/all", "Unable to write updatemanifest file %s -- %s", "all.json", err)
	} else if changed {
		m.published.Inc(1)
		p.Logf("release/info/all", "New release manifest generated")
	}
	return nil
}

// collect resolves every track to a branch and finds its candidate builds.
// Tracks sharing a branch share one history walk.
func (m *Maker) collect(ctx context.Context, p *project.Project, rt *types.ReleaseTracks) ([]*trackState, error) {
	branches, err := p.Mirror().Branches()
	if err != nil {
		return nil, derr.Wrap(err)
	}
	byBranch := map[string]map[string]*candidate{}
	states := make([]*trackState, 0, len(rt.Tracks))
	for i := range rt.Tracks {
		tc := &rt.Tracks[i]
		ts := &trackState{cfg: tc, builds: map[string]*candidate{}}
		states = append(states, ts)
		ref := matchBranch(branches, tc.Branch)
		if ref == nil {
			p.Logf("release/info/all", "No matching ref for branch pattern %s", tc.Branch)
			continue
		}
		ts.branch = ref.Name
		if cached, ok := byBranch[ref.Name]; ok {
			ts.builds = cached
			continue
		}
		found, err := m.findBuilds(ctx, p, ref, rt.Targets)
		if err != nil {
			return nil, err
		}
		byBranch[ref.Name] = found
		ts.builds = found
	}
	return states, nil
}

// matchBranch returns the first branch matching the glob pattern. Branches
// arrive in descending dictionary order so the newest release branch wins.
func matchBranch(branches []gitmirror.Ref, pattern string) *gitmirror.Ref {
	for i := range branches {
		ok, err := doublestar.Match(pattern, branches[i].Name)
		if err != nil {
			dlog.Warningf("Bad branch pattern %q: %s", pattern, err)
			return nil
		}
		if ok {
			return &branches[i]
		}
	}
	return nil
}

// findBuilds walks the history from the branch tip and keeps, per target,
// the first successful build it encounters.
func (m *Maker) findBuilds(ctx context.Context, p *project.Project, ref *gitmirror.Ref, targets []types.ReleaseTarget) (map[string]*candidate, error) {
	revs, err := p.Mirror().RevList(ref.Hash, walkLimit)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	found := map[string]*candidate{}
	for _, rev := range revs {
		if len(found) == len(targets) {
			break
		}
		builds, err := m.store.GetTargetsForBuild(ctx, p.ID, rev)
		if err != nil {
			return nil, derr.Wrapf(err, "unable to query builds for %.8s", rev)
		}
		for i := range targets {
			tgt := targets[i].Target
			if _, ok := found[tgt]; ok {
				continue
			}
			b := builds[tgt]
			if b == nil || b.Status != types.BUILD_STATUS_DONE {
				continue
			}
			found[tgt] = &candidate{build: b, branch: ref.Name}
		}
	}
	for i := range targets {
		tgt := targets[i].Target
		cand := found[tgt]
		if cand == nil {
			p.Logf("release/info/"+tgt, "No build for target %s in %s", tgt, ref.Name)
			continue
		}
		arts, err := m.store.ArtifactsForBuild(ctx, cand.build.ID)
		if err != nil {
			return nil, derr.Wrapf(err, "unable to load artifacts for build %d", cand.build.ID)
		}
		cand.artifacts = arts
	}
	return found, nil
}

// targetManifest assembles the per-target document, without the changelog.
func (m *Maker) targetManifest(p *project.Project, tt *types.ReleaseTarget, cand *candidate) targetManifest {
	tm := targetManifest{
		Arch:      tt.Target,
		Title:     tt.Title,
		Version:   cand.build.Version,
		Branch:    cand.branch,
		Artifacts: make([]manifestArtifact, 0, len(cand.artifacts)),
	}
	for _, a := range cand.artifacts {
		ma := manifestArtifact{
			Type: a.Type,
			Name: a.Name,
			SHA1: a.SHA1,
			Size: a.Size,
			URL:  fmt.Sprintf("%s/file/%s", m.cfg.ArtifactPrefix, a.SHA1),
		}
		if ra := tt.Artifact(a.Type); ra != nil {
			ma.Title = ra.Title
		}
		tm.Artifacts = append(tm.Artifacts, ma)
	}
	if raw, err := p.Mirror().FileAt(cand.build.Revision, "Manifests/"+tt.Target+".json"); err == nil {
		if parsed, perr := gabs.ParseJSON(raw); perr == nil {
			tm.Manifest = json.RawMessage(parsed.Bytes())
		} else {
			p.Logf("release/info/"+tt.Target, "Ignoring malformed Manifests/%s.json at %.8s -- %s",
				tt.Target, cand.build.Revision, perr)
		}
	}
	return tm
}

// aggregateCopy strips a per-target manifest down to its all.json form:
// no changelog, only artifacts a client is meant to see.
func aggregateCopy(tm targetManifest) targetManifest {
	agg := tm
	agg.Changelog = nil
	agg.Artifacts = make([]manifestArtifact, 0, len(tm.Artifacts))
	for _, a := range tm.Artifacts {
		if a.Title != "" {
			agg.Artifacts = append(agg.Artifacts, a)
		}
	}
	return agg
}

// changelog converts commit notes into manifest entries. A repository
// without notes simply yields no changelog.
func (m *Maker) changelog(p *project.Project, rev, target string) []changelogEntry {
	changes, err := p.Mirror().Changelog(rev, changelogLimit, false, target)
	if err != nil {
		return nil
	}
	rv := make([]changelogEntry, 0, len(changes))
	for _, ch := range changes {
		rv = append(rv, changelogEntry{Version: ch.Version, Desc: ch.Message})
	}
	if len(rv) == 0 {
		return nil
	}
	return rv
}

func marshalManifest(v interface{}) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		// Only reachable with a broken manifest type.
		dlog.Errorf("Unable to serialize manifest: %s", err)
		return nil
	}
	return append(data, '\n')
}

// publish writes one manifest to the configured destination and reports
// whether the content actually changed.
func (m *Maker) publish(ctx context.Context, p *project.Project, dir, name string, data []byte) (bool, error) {
	if data == nil {
		return false, derr.Fmt("no manifest data")
	}
	if strings.HasPrefix(dir, "s3://") {
		return m.publishS3(ctx, p, dir, name, data)
	}
	fp := filepath.Join(dir, name)
	if old, err := os.ReadFile(fp); err == nil && bytes.Equal(old, data) {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return false, derr.Wrap(err)
	}
	if err := util.WithWriteFile(fp, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return false, derr.Wrap(err)
	}
	return true, nil
}

// publishS3 uploads a manifest to an s3://bucket/prefix destination using
// the project's S3 credentials. Change detection falls back to "changed"
// when the previous content is unknown.
func (m *Maker) publishS3(ctx context.Context, p *project.Project, uri, name string, data []byte) (bool, error) {
	s3cfg := p.Config().S3
	if s3cfg == nil {
		return false, derr.Fmt("missing S3 config for project %s", p.ID)
	}
	bucket, prefix, err := s3.SplitURI(uri)
	if err != nil {
		return false, err
	}
	key := path.Join(prefix, name)
	cacheKey := bucket + "/" + key
	m.mtx.Lock()
	old, ok := m.last[cacheKey]
	m.mtx.Unlock()
	if ok && bytes.Equal(old, data) {
		return false, nil
	}
	client := s3.NewClient(s3cfg.AWSID, s3cfg.Secret, bucket, m.client)
	if err := client.Put(ctx, key, "application/json", bytes.NewReader(data), int64(len(data))); err != nil {
		return false, err
	}
	m.mtx.Lock()
	m.last[cacheKey] = data
	m.mtx.Unlock()
	return true, nil
}
