package release

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	assert "github.com/stretchr/testify/require"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/gitmirror"
	"go.doozer.org/infra/go/mockhttpclient"
)

type fakeStore struct {
	mtx       sync.Mutex
	builds    []*types.Build
	artifacts map[int64][]*types.Artifact
	nextID    int64
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{artifacts: map[int64][]*types.Artifact{}, nextID: 1}
}

func (s *fakeStore) addBuild(b *types.Build, artifacts ...*types.Artifact) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := b.Copy()
	cp.ID = s.nextID
	s.nextID++
	s.builds = append(s.builds, cp)
	for _, a := range artifacts {
		ac := *a
		ac.BuildID = cp.ID
		s.artifacts[cp.ID] = append(s.artifacts[cp.ID], &ac)
	}
	return cp.ID
}

func (s *fakeStore) GetTargetsForBuild(ctx context.Context, project, revision string) (map[string]*types.Build, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := map[string]*types.Build{}
	for _, b := range s.builds {
		if b.Project == project && b.Revision == revision {
			rv[b.Target] = b.Copy()
		}
	}
	return rv, nil
}

func (s *fakeStore) ArtifactsForBuild(ctx context.Context, buildID int64) ([]*types.Artifact, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.artifacts[buildID], nil
}

// Unused Store methods.
func (s *fakeStore) InsertBuild(ctx context.Context, b *types.Build) (int64, error) {
	return 0, types.ErrNoData
}
func (s *fakeStore) GetBuild(ctx context.Context, id int64) (*types.Build, error) {
	return nil, types.ErrNoData
}
func (s *fakeStore) BuildsForRevision(ctx context.Context, project, revision string) ([]*types.Build, error) {
	return nil, nil
}
func (s *fakeStore) ClaimBuild(ctx context.Context, targets []string, agent string) (*types.Build, store.CommitFn, store.RollbackFn, error) {
	return nil, nil, nil, types.ErrNoData
}
func (s *fakeStore) SetBuildInProgress(ctx context.Context, id int64, msg string) error { return nil }
func (s *fakeStore) FinishBuild(ctx context.Context, id int64, status types.BuildStatus, msg string) error {
	return nil
}
func (s *fakeStore) RestartBuild(ctx context.Context, id int64, status types.BuildStatus) error {
	return nil
}
func (s *fakeStore) ExpiredBuilds(ctx context.Context, timeoutMinutes int) ([]*types.Build, error) {
	return nil, nil
}
func (s *fakeStore) CountBuilds(ctx context.Context, project string, status types.BuildStatus) (int64, error) {
	return 0, nil
}
func (s *fakeStore) ListBuilds(ctx context.Context, project string, offset, limit int) ([]*types.Build, error) {
	return nil, nil
}
func (s *fakeStore) InsertArtifact(ctx context.Context, a *types.Artifact) (int64, error) {
	return 0, nil
}
func (s *fakeStore) ArtifactBySHA1(ctx context.Context, sha1 string) (*types.Artifact, error) {
	return nil, types.ErrNoData
}
func (s *fakeStore) IncDownloadCount(ctx context.Context, sha1 string) error { return nil }
func (s *fakeStore) IncPatchCount(ctx context.Context, sha1 string) error    { return nil }
func (s *fakeStore) LatestDoneBuilds(ctx context.Context, project string) ([]*types.Build, error) {
	return nil, nil
}
func (s *fakeStore) DeleteBuildsByStatus(ctx context.Context, project string, status types.BuildStatus, keep []int64) (int64, error) {
	return 0, nil
}
func (s *fakeStore) NextDeletedArtifact(ctx context.Context) (*types.DeletedArtifact, error) {
	return nil, types.ErrNoData
}
func (s *fakeStore) ResolveDeletedArtifact(ctx context.Context, id int64) error { return nil }
func (s *fakeStore) FailDeletedArtifact(ctx context.Context, id int64, msg string) error {
	return nil
}

// releaseRepo builds a three-commit history. The second commit adds an
// embedded manifest for linux-x64 which stays in the tree through the tip.
// Branch 4.2 points at the tip, as does master. Returns the hashes newest
// first.
func releaseRepo(t *testing.T) (*gitmirror.Mirror, []string) {
	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	assert.NoError(t, err)
	wt, err := repo.Worktree()
	assert.NoError(t, err)

	write := func(name, content string) {
		assert.NoError(t, fs.MkdirAll(filepath.Dir(name), 0755))
		f, err := fs.Create(name)
		assert.NoError(t, err)
		_, err = f.Write([]byte(content))
		assert.NoError(t, err)
		assert.NoError(t, f.Close())
		_, err = wt.Add(name)
		assert.NoError(t, err)
	}
	when := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	commit := func(msg string) string {
		sig := &object.Signature{Name: "builder", Email: "builder@example.com", When: when}
		when = when.Add(time.Hour)
		hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
		assert.NoError(t, err)
		return hash.String()
	}

	write("README", "one")
	rev0 := commit("initial")
	write("Manifests/linux-x64.json", `{"dlbase": "https://dl.example.com"}`)
	rev1 := commit("add manifest")
	write("README", "three")
	rev2 := commit("tweak readme")

	tip := plumbing.NewHash(rev2)
	assert.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("4.2"), tip)))
	m, err := gitmirror.NewFromRepoForTesting(gitmirror.Config{}, repo)
	assert.NoError(t, err)
	return m, []string{rev2, rev1, rev0}
}

func testTracks(dir string) *types.ReleaseTracks {
	return &types.ReleaseTracks{
		ManifestDir: dir,
		Tracks: []types.Track{
			{Name: "stable", Title: "Stable", Branch: "4.*", Description: "Production builds"},
			{Name: "testing", Title: "Testing", Branch: "master"},
		},
		Targets: []types.ReleaseTarget{
			{Target: "linux-x64", Title: "Linux", Artifacts: []types.ReleaseArtifact{
				{Type: "tarball", Title: "Linux tarball"},
			}},
			{Target: "darwin", Title: "macOS", Artifacts: []types.ReleaseArtifact{
				{Type: "dmg", Title: "Disk image"},
			}},
			{Target: "windows", Title: "Windows"},
		},
	}
}

func newTestMaker(t *testing.T, rt *types.ReleaseTracks) (*Maker, *fakeStore, *project.Project, []string) {
	m, revs := releaseRepo(t)
	cfg := &types.ProjectConfig{
		GitRepo:       types.GitRepoConfig{Pub: "https://github.com/acme/widget"},
		ReleaseTracks: rt,
	}
	p := project.NewForTesting("acme/widget", cfg, m, t.TempDir())
	st := newFakeStore()
	mk := New(st, &types.RootConfig{ArtifactPrefix: "https://builds.example.com"})
	return mk, st, p, revs
}

func readManifest(t *testing.T, path string) *targetManifest {
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	rv := &targetManifest{}
	assert.NoError(t, json.Unmarshal(data, rv))
	return rv
}

func TestGenerateReleasesWritesManifests(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mk, st, p, revs := newTestMaker(t, testTracks(dir))

	// linux-x64 succeeded at the tip, darwin one commit back. The pending
	// darwin build at the tip must not be picked.
	st.addBuild(&types.Build{
		Project: "acme/widget", Revision: revs[0], Target: "linux-x64",
		Version: "4.2.10", Status: types.BUILD_STATUS_DONE,
	},
		&types.Artifact{Type: "tarball", Name: "widget-4.2.10.tar.gz", SHA1: "1111111111111111111111111111111111111111", Size: 1024},
		&types.Artifact{Type: "buildlog", Name: "buildlog.gz", SHA1: "2222222222222222222222222222222222222222", Size: 64},
	)
	st.addBuild(&types.Build{
		Project: "acme/widget", Revision: revs[0], Target: "darwin",
		Version: "4.2.10", Status: types.BUILD_STATUS_PENDING,
	})
	st.addBuild(&types.Build{
		Project: "acme/widget", Revision: revs[1], Target: "darwin",
		Version: "4.2.9", Status: types.BUILD_STATUS_DONE,
	},
		&types.Artifact{Type: "dmg", Name: "widget-4.2.9.dmg", SHA1: "3333333333333333333333333333333333333333", Size: 2048},
	)

	assert.NoError(t, mk.GenerateReleases(ctx, p))

	linux := readManifest(t, filepath.Join(dir, "stable-linux-x64.json"))
	assert.Equal(t, "linux-x64", linux.Arch)
	assert.Equal(t, "Linux", linux.Title)
	assert.Equal(t, "4.2.10", linux.Version)
	assert.Equal(t, "4.2", linux.Branch)
	assert.Len(t, linux.Artifacts, 2)
	assert.Equal(t, "Linux tarball", linux.Artifacts[0].Title)
	assert.Equal(t, "https://builds.example.com/file/1111111111111111111111111111111111111111", linux.Artifacts[0].URL)
	assert.Equal(t, "", linux.Artifacts[1].Title)
	embedded := map[string]string{}
	assert.NoError(t, json.Unmarshal(linux.Manifest, &embedded))
	assert.Equal(t, "https://dl.example.com", embedded["dlbase"])

	darwin := readManifest(t, filepath.Join(dir, "stable-darwin.json"))
	assert.Equal(t, "4.2.9", darwin.Version)
	assert.Equal(t, "4.2", darwin.Branch)
	assert.Nil(t, darwin.Manifest)

	// The testing track resolves the same tip via master.
	testing2 := readManifest(t, filepath.Join(dir, "testing-linux-x64.json"))
	assert.Equal(t, "master", testing2.Branch)
	assert.Equal(t, "4.2.10", testing2.Version)

	// No successful windows build anywhere, so no manifest.
	_, err := os.Stat(filepath.Join(dir, "stable-windows.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestGenerateReleasesAggregate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mk, st, p, revs := newTestMaker(t, testTracks(dir))
	st.addBuild(&types.Build{
		Project: "acme/widget", Revision: revs[0], Target: "linux-x64",
		Version: "4.2.10", Status: types.BUILD_STATUS_DONE,
	},
		&types.Artifact{Type: "tarball", Name: "widget-4.2.10.tar.gz", SHA1: "1111111111111111111111111111111111111111", Size: 1024},
		&types.Artifact{Type: "buildlog", Name: "buildlog.gz", SHA1: "2222222222222222222222222222222222222222", Size: 64},
	)

	assert.NoError(t, mk.GenerateReleases(ctx, p))

	data, err := os.ReadFile(filepath.Join(dir, "all.json"))
	assert.NoError(t, err)
	all := []trackManifest{}
	assert.NoError(t, json.Unmarshal(data, &all))

	// Only the described track appears, named by its title.
	assert.Len(t, all, 1)
	assert.Equal(t, "Stable", all[0].Name)
	assert.Equal(t, "Production builds", all[0].Description)

	// Only the linux build exists, and only its titled artifact is listed.
	assert.Len(t, all[0].Targets, 1)
	agg := all[0].Targets[0]
	assert.Equal(t, "linux-x64", agg.Arch)
	assert.Len(t, agg.Artifacts, 1)
	assert.Equal(t, "Linux tarball", agg.Artifacts[0].Title)
	assert.Nil(t, agg.Changelog)
}

func TestGenerateReleasesRewritesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mk, st, p, revs := newTestMaker(t, testTracks(dir))
	st.addBuild(&types.Build{
		Project: "acme/widget", Revision: revs[0], Target: "linux-x64",
		Version: "4.2.10", Status: types.BUILD_STATUS_DONE,
	}, &types.Artifact{Type: "tarball", Name: "w.tar.gz", SHA1: "1111111111111111111111111111111111111111", Size: 1})

	assert.NoError(t, mk.GenerateReleases(ctx, p))
	path := filepath.Join(dir, "stable-linux-x64.json")
	want, err := os.ReadFile(path)
	assert.NoError(t, err)

	// Corrupt the file; a second run restores it.
	assert.NoError(t, os.WriteFile(path, []byte("stale"), 0640))
	assert.NoError(t, mk.GenerateReleases(ctx, p))
	got, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestPublishWriteIfChanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mk, _, p, _ := newTestMaker(t, testTracks(dir))

	changed, err := mk.publish(ctx, p, dir, "x.json", []byte("a\n"))
	assert.NoError(t, err)
	assert.True(t, changed)

	changed, err = mk.publish(ctx, p, dir, "x.json", []byte("a\n"))
	assert.NoError(t, err)
	assert.False(t, changed)

	changed, err = mk.publish(ctx, p, dir, "x.json", []byte("b\n"))
	assert.NoError(t, err)
	assert.True(t, changed)
}

func TestPublishS3(t *testing.T) {
	ctx := context.Background()
	mk := New(newFakeStore(), &types.RootConfig{ArtifactPrefix: "https://builds.example.com"})
	cfg := &types.ProjectConfig{
		GitRepo: types.GitRepoConfig{Pub: "https://github.com/acme/widget"},
		S3:      &types.S3Config{Bucket: "ignored", AWSID: "id", Secret: "sauce"},
	}
	p := project.NewForTesting("acme/widget", cfg, nil, t.TempDir())

	urlMock := mockhttpclient.NewURLMock()
	urlMock.MockOnce("https://updates.s3.amazonaws.com/site/x.json", []byte(""))
	mk.client = urlMock.Client()

	changed, err := mk.publish(ctx, p, "s3://updates/site", "x.json", []byte("a\n"))
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, urlMock.Empty())

	// Unchanged content is not re-uploaded; an attempt would hit an
	// unmocked URL and fail.
	changed, err = mk.publish(ctx, p, "s3://updates/site", "x.json", []byte("a\n"))
	assert.NoError(t, err)
	assert.False(t, changed)

	urlMock.MockOnce("https://updates.s3.amazonaws.com/site/x.json", []byte(""))
	changed, err = mk.publish(ctx, p, "s3://updates/site", "x.json", []byte("b\n"))
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, urlMock.Empty())
}

func TestPublishS3RequiresConfig(t *testing.T) {
	ctx := context.Background()
	mk := New(newFakeStore(), &types.RootConfig{ArtifactPrefix: "https://builds.example.com"})
	cfg := &types.ProjectConfig{GitRepo: types.GitRepoConfig{Pub: "https://github.com/acme/widget"}}
	p := project.NewForTesting("acme/widget", cfg, nil, t.TempDir())

	_, err := mk.publish(ctx, p, "s3://updates/site", "x.json", []byte("a\n"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing S3 config")
}

func TestGenerateReleasesUnconfigured(t *testing.T) {
	ctx := context.Background()

	// No releaseTracks at all.
	mk, _, p, _ := newTestMaker(t, nil)
	assert.NoError(t, mk.GenerateReleases(ctx, p))

	// Tracks but no manifestDir.
	rt := testTracks("")
	mk2, _, p2, _ := newTestMaker(t, rt)
	assert.NoError(t, mk2.GenerateReleases(ctx, p2))

	// No artifactPrefix.
	dir := t.TempDir()
	mk3, _, p3, _ := newTestMaker(t, testTracks(dir))
	mk3.cfg = &types.RootConfig{}
	assert.NoError(t, mk3.GenerateReleases(ctx, p3))
	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

