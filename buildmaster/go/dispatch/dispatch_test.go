package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	assert "github.com/stretchr/testify/require"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/gitmirror"
)

const testRevision = "1111111111111111111111111111111111111111"

// fakeStore is an in-memory Store. Claims mutate state only on commit so the
// rollback path behaves like an aborted transaction.
type fakeStore struct {
	mtx        sync.Mutex
	builds     map[int64]*types.Build
	nextID     int64
	tombstones []*types.DeletedArtifact
	nextTomb   int64

	transientFails int
	commits        int
	rollbacks      int
	failures       map[int64]string
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		builds:   map[int64]*types.Build{},
		nextID:   1,
		nextTomb: 1,
		failures: map[int64]string{},
	}
}

// add registers a build directly, bypassing InsertBuild.
func (s *fakeStore) add(b *types.Build) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	id := s.nextID
	s.nextID++
	cp := b.Copy()
	cp.ID = id
	if cp.Created.IsZero() {
		cp.Created = time.Now()
	}
	if cp.StatusChange.IsZero() {
		cp.StatusChange = cp.Created
	}
	s.builds[id] = cp
	return id
}

func (s *fakeStore) get(id int64) *types.Build {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.builds[id].Copy()
}

func (s *fakeStore) InsertBuild(ctx context.Context, b *types.Build) (int64, error) {
	return s.add(b), nil
}

func (s *fakeStore) GetBuild(ctx context.Context, id int64) (*types.Build, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, types.ErrNoData
	}
	return b.Copy(), nil
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

func (s *fakeStore) BuildsForRevision(ctx context.Context, project, revision string) ([]*types.Build, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := []*types.Build{}
	for id := s.nextID - 1; id >= 1; id-- {
		b := s.builds[id]
		if b != nil && b.Project == project && b.Revision == revision {
			rv = append(rv, b.Copy())
		}
	}
	return rv, nil
}

func (s *fakeStore) ClaimBuild(ctx context.Context, targets []string, agent string) (*types.Build, store.CommitFn, store.RollbackFn, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.transientFails > 0 {
		s.transientFails--
		return nil, nil, nil, types.ErrTransient
	}
	var oldest *types.Build
	for _, b := range s.builds {
		if b.Status != types.BUILD_STATUS_PENDING {
			continue
		}
		match := false
		for _, t := range targets {
			if b.Target == t {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if oldest == nil || b.Created.Before(oldest.Created) || (b.Created.Equal(oldest.Created) && b.ID < oldest.ID) {
			oldest = b
		}
	}
	if oldest == nil {
		return nil, nil, nil, types.ErrNoData
	}
	claimed := oldest.Copy()
	claimed.Status = types.BUILD_STATUS_BUILDING
	claimed.Agent = agent
	claimed.JobSecret = fmt.Sprintf("secret%d", claimed.ID)
	claimed.Attempts++
	now := time.Now()
	claimed.StatusChange = now
	claimed.BuildStart = &now
	commit := func(ctx context.Context) error {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.builds[claimed.ID] = claimed.Copy()
		s.commits++
		return nil
	}
	rollback := func(ctx context.Context) error {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.rollbacks++
		return nil
	}
	return claimed, commit, rollback, nil
}

func (s *fakeStore) SetBuildInProgress(ctx context.Context, id int64, msg string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return types.ErrNoData
	}
	b.ProgressText = msg
	b.StatusChange = time.Now()
	return nil
}

func (s *fakeStore) FinishBuild(ctx context.Context, id int64, status types.BuildStatus, msg string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return types.ErrNoData
	}
	b.Status = status
	b.ProgressText = msg
	now := time.Now()
	b.StatusChange = now
	b.BuildEnd = &now
	return nil
}

func (s *fakeStore) RestartBuild(ctx context.Context, id int64, status types.BuildStatus) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return types.ErrNoData
	}
	b.Status = status
	b.Agent = ""
	b.JobSecret = ""
	b.StatusChange = time.Now()
	return nil
}

func (s *fakeStore) ExpiredBuilds(ctx context.Context, timeoutMinutes int) ([]*types.Build, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var rv []*types.Build
	for _, b := range s.builds {
		if b.Status == types.BUILD_STATUS_BUILDING && time.Since(b.StatusChange) >= time.Duration(timeoutMinutes)*time.Minute {
			rv = append(rv, b.Copy())
		}
	}
	return rv, nil
}

func (s *fakeStore) CountBuilds(ctx context.Context, project string, status types.BuildStatus) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var n int64
	for _, b := range s.builds {
		if b.Project == project && (status == "" || b.Status == status) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListBuilds(ctx context.Context, project string, offset, limit int) ([]*types.Build, error) {
	return nil, nil
}

func (s *fakeStore) InsertArtifact(ctx context.Context, a *types.Artifact) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *fakeStore) ArtifactBySHA1(ctx context.Context, sha1 string) (*types.Artifact, error) {
	return nil, types.ErrNoData
}

func (s *fakeStore) ArtifactsForBuild(ctx context.Context, buildID int64) ([]*types.Artifact, error) {
	return nil, nil
}

func (s *fakeStore) IncDownloadCount(ctx context.Context, sha1 string) error { return nil }
func (s *fakeStore) IncPatchCount(ctx context.Context, sha1 string) error    { return nil }

func (s *fakeStore) LatestDoneBuilds(ctx context.Context, project string) ([]*types.Build, error) {
	return nil, nil
}

func (s *fakeStore) DeleteBuildsByStatus(ctx context.Context, project string, status types.BuildStatus, keep []int64) (int64, error) {
	return 0, nil
}

func (s *fakeStore) addTombstone(da *types.DeletedArtifact) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := *da
	cp.ID = s.nextTomb
	s.nextTomb++
	s.tombstones = append(s.tombstones, &cp)
	return cp.ID
}

func (s *fakeStore) NextDeletedArtifact(ctx context.Context) (*types.DeletedArtifact, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, da := range s.tombstones {
		if da.Error == "" {
			cp := *da
			return &cp, nil
		}
	}
	return nil, types.ErrNoData
}

func (s *fakeStore) ResolveDeletedArtifact(ctx context.Context, id int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i, da := range s.tombstones {
		if da.ID == id {
			s.tombstones = append(s.tombstones[:i], s.tombstones[i+1:]...)
			return nil
		}
	}
	return types.ErrNoData
}

func (s *fakeStore) FailDeletedArtifact(ctx context.Context, id int64, msg string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, da := range s.tombstones {
		if da.ID == id {
			da.Error = msg
			s.failures[id] = msg
			return nil
		}
	}
	return types.ErrNoData
}

// fakeRegistry implements Projects over a static set.
type fakeRegistry struct {
	mtx       sync.Mutex
	projects  map[string]*project.Project
	scheduled map[string]types.JobMask
}

func newFakeRegistry(projects ...*project.Project) *fakeRegistry {
	r := &fakeRegistry{
		projects:  map[string]*project.Project{},
		scheduled: map[string]types.JobMask{},
	}
	for _, p := range projects {
		r.projects[p.ID] = p
	}
	return r
}

func (r *fakeRegistry) Get(id string) *project.Project {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.projects[id]
}

func (r *fakeRegistry) Schedule(id string, mask types.JobMask) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.scheduled[id] |= mask
}

func (r *fakeRegistry) scheduledMask(id string) types.JobMask {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.scheduled[id]
}

func testConfig() *types.RootConfig {
	return &types.RootConfig{
		HTTP: types.HTTPConfig{LongPollTimeout: 0},
		Buildmaster: types.CoordinatorConfig{
			BuildTimeout:  5,
			BuildAttempts: 3,
			Agents: map[string]types.AgentEntry{
				"agent1": {Secret: "sauce"},
			},
		},
		BuildURLPrefix: "https://builds.example.com",
	}
}

func testProject(t *testing.T, id string) *project.Project {
	cfg := &types.ProjectConfig{
		GitRepo: types.GitRepoConfig{Pub: "https://github.com/acme/widget"},
		Buildmaster: types.BuildsConfig{
			Targets: []string{"linux-x64", "darwin"},
			Branches: []types.BranchConfig{
				{Pattern: "master", Autobuild: true},
			},
		},
	}
	return project.NewForTesting(id, cfg, nil, t.TempDir())
}

func newTestDispatch(t *testing.T, projects ...*project.Project) (*Dispatch, *fakeStore, *fakeRegistry) {
	st := newFakeStore()
	reg := newFakeRegistry(projects...)
	d := New(st, reg, testConfig())
	d.pollInterval = time.Millisecond
	return d, st, reg
}

func getjobURL(agent, secret, targets string) string {
	v := url.Values{}
	if agent != "" {
		v.Set("agent", agent)
	}
	if secret != "" {
		v.Set("secret", secret)
	}
	if targets != "" {
		v.Set("targets", targets)
	}
	return "/buildmaster/getjob?" + v.Encode()
}

func reportURL(jobid int64, jobsecret, status, msg string) string {
	v := url.Values{}
	v.Set("jobid", fmt.Sprintf("%d", jobid))
	v.Set("jobsecret", jobsecret)
	v.Set("status", status)
	v.Set("msg", msg)
	return "/buildmaster/report?" + v.Encode()
}

func TestHello(t *testing.T) {
	d, _, _ := newTestDispatch(t)

	w := httptest.NewRecorder()
	d.hello(w, httptest.NewRequest("GET", "/buildmaster/hello?agent=agent1&secret=sauce", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "welcome\n", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	// Basic auth works too.
	w = httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/buildmaster/hello", nil)
	r.SetBasicAuth("agent1", "sauce")
	d.hello(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	d.hello(w, httptest.NewRequest("GET", "/buildmaster/hello", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	d.hello(w, httptest.NewRequest("GET", "/buildmaster/hello?agent=stranger&secret=sauce", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	d.hello(w, httptest.NewRequest("GET", "/buildmaster/hello?agent=agent1&secret=wrong", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetJobEmptyTargets(t *testing.T) {
	d, _, _ := newTestDispatch(t)
	w := httptest.NewRecorder()
	d.getjob(w, httptest.NewRequest("GET", getjobURL("agent1", "sauce", ""), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobImmediateNone(t *testing.T) {
	d, _, _ := newTestDispatch(t)

	w := httptest.NewRecorder()
	d.getjob(w, httptest.NewRequest("GET", getjobURL("agent1", "sauce", "linux-x64"), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "type=none\n", w.Body.String())

	w = httptest.NewRecorder()
	r := httptest.NewRequest("GET", getjobURL("agent1", "sauce", "linux-x64"), nil)
	r.Header.Set("Accept", "application/json")
	d.getjob(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"type":"none"}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestGetJobClaimKeyValue(t *testing.T) {
	p := testProject(t, "acme/widget")
	d, st, _ := newTestDispatch(t, p)
	id := st.add(&types.Build{
		Project:  "acme/widget",
		Revision: testRevision,
		Target:   "linux-x64",
		Version:  "2.0.3",
		Reason:   "Automatic build",
		Status:   types.BUILD_STATUS_PENDING,
	})

	w := httptest.NewRecorder()
	d.getjob(w, httptest.NewRequest("GET", getjobURL("agent1", "sauce", "linux-x64,darwin"), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	want := fmt.Sprintf(`type=build
id=%d
revision=%s
target=linux-x64
jobsecret=secret%d
project=acme/widget
repo=https://github.com/acme/widget
version=2.0.3
no_output=0
`, id, testRevision, id)
	assert.Equal(t, want, w.Body.String())
	assert.Equal(t, fmt.Sprintf("%d", len(want)), w.Header().Get("Content-Length"))

	b := st.get(id)
	assert.Equal(t, types.BUILD_STATUS_BUILDING, b.Status)
	assert.Equal(t, "agent1", b.Agent)
	assert.Equal(t, 1, b.Attempts)
	assert.NotNil(t, b.BuildStart)
	assert.Equal(t, 1, st.commits)
	assert.Equal(t, 0, st.rollbacks)
}

func TestGetJobClaimJSON(t *testing.T) {
	p := testProject(t, "acme/widget")
	d, st, _ := newTestDispatch(t, p)
	id := st.add(&types.Build{
		Project:  "acme/widget",
		Revision: testRevision,
		Target:   "darwin",
		Version:  "2.0.3",
		Status:   types.BUILD_STATUS_PENDING,
		NoOutput: true,
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", getjobURL("agent1", "sauce", "darwin"), nil)
	r.Header.Set("Accept", "application/json")
	d.getjob(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	var got jobReply
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "build", got.Type)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, testRevision, got.Revision)
	assert.Equal(t, "darwin", got.Target)
	assert.Equal(t, fmt.Sprintf("secret%d", id), got.JobSecret)
	assert.Equal(t, "https://github.com/acme/widget", got.Repo)
	assert.True(t, got.NoOutput)
}

// failWriter drops the response body, simulating an agent that disconnected
// between claim and reply.
type failWriter struct {
	*httptest.ResponseRecorder
}

func (f *failWriter) Write(b []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestGetJobWriteFailureRollsBack(t *testing.T) {
	p := testProject(t, "acme/widget")
	d, st, _ := newTestDispatch(t, p)
	id := st.add(&types.Build{
		Project:  "acme/widget",
		Revision: testRevision,
		Target:   "linux-x64",
		Version:  "2.0.3",
		Status:   types.BUILD_STATUS_PENDING,
	})

	w := &failWriter{httptest.NewRecorder()}
	d.getjob(w, httptest.NewRequest("GET", getjobURL("agent1", "sauce", "linux-x64"), nil))

	b := st.get(id)
	assert.Equal(t, types.BUILD_STATUS_PENDING, b.Status)
	assert.Equal(t, 0, b.Attempts)
	assert.Equal(t, 0, st.commits)
	assert.Equal(t, 1, st.rollbacks)
}

func TestGetJobUnconfiguredProjectRollsBack(t *testing.T) {
	d, st, _ := newTestDispatch(t)
	id := st.add(&types.Build{
		Project:  "ghost/project",
		Revision: testRevision,
		Target:   "linux-x64",
		Status:   types.BUILD_STATUS_PENDING,
	})

	w := httptest.NewRecorder()
	d.getjob(w, httptest.NewRequest("GET", getjobURL("agent1", "sauce", "linux-x64"), nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, types.BUILD_STATUS_PENDING, st.get(id).Status)
	assert.Equal(t, 1, st.rollbacks)
}

func TestGetJobTransientRetries(t *testing.T) {
	d, st, _ := newTestDispatch(t)
	st.transientFails = claimRetries + 5

	w := httptest.NewRecorder()
	d.getjob(w, httptest.NewRequest("GET", getjobURL("agent1", "sauce", "linux-x64"), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "type=none\n", w.Body.String())
	// Gave up after claimRetries attempts, leaving the rest unconsumed.
	assert.Equal(t, 5, st.transientFails)
}

func TestReportValidation(t *testing.T) {
	p := testProject(t, "acme/widget")
	d, st, _ := newTestDispatch(t, p)

	w := httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", "/buildmaster/report?jobid=1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(99, "x", "done", ""), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := st.add(&types.Build{
		Project:   "acme/widget",
		Revision:  testRevision,
		Target:    "linux-x64",
		Version:   "2.0.3",
		Status:    types.BUILD_STATUS_DONE,
		JobSecret: "s3cr3t",
	})
	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "s3cr3t", "building", "late"), nil))
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	id = st.add(&types.Build{
		Project:   "acme/widget",
		Revision:  testRevision,
		Target:    "linux-x64",
		Version:   "2.0.3",
		Status:    types.BUILD_STATUS_BUILDING,
		JobSecret: "s3cr3t",
		Agent:     "agent1",
		Attempts:  1,
	})
	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "wrong", "done", ""), nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "s3cr3t", "resting", ""), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func claimedBuild(st *fakeStore, attempts int) int64 {
	return st.add(&types.Build{
		Project:   "acme/widget",
		Revision:  testRevision,
		Target:    "linux-x64",
		Version:   "2.0.3",
		Status:    types.BUILD_STATUS_BUILDING,
		JobSecret: "s3cr3t",
		Agent:     "agent1",
		Attempts:  attempts,
	})
}

func TestReportTransitions(t *testing.T) {
	p := testProject(t, "acme/widget")
	d, st, reg := newTestDispatch(t, p)

	// Progress update keeps the build in flight.
	id := claimedBuild(st, 1)
	w := httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "s3cr3t", "building", "Compiling"), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	b := st.get(id)
	assert.Equal(t, types.BUILD_STATUS_BUILDING, b.Status)
	assert.Equal(t, "Compiling", b.ProgressText)

	// done finalizes and schedules release generation.
	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "s3cr3t", "done", ""), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.BUILD_STATUS_DONE, st.get(id).Status)
	assert.True(t, reg.scheduledMask("acme/widget").Has(types.JobGenerateReleases))

	// failed is terminal with the message recorded.
	id = claimedBuild(st, 1)
	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "s3cr3t", "failed", "make: broken"), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	b = st.get(id)
	assert.Equal(t, types.BUILD_STATUS_FAILED, b.Status)
	assert.Equal(t, "make: broken", b.ProgressText)

	// tempfailed below the attempt limit returns the build to pending.
	id = claimedBuild(st, 1)
	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "s3cr3t", "tempfailed", "git down"), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	b = st.get(id)
	assert.Equal(t, types.BUILD_STATUS_PENDING, b.Status)
	assert.Equal(t, "", b.JobSecret)
	assert.Equal(t, "", b.Agent)

	// tempfailed at the limit gives up.
	id = claimedBuild(st, 3)
	w = httptest.NewRecorder()
	d.report(w, httptest.NewRequest("GET", reportURL(id, "s3cr3t", "tempfailed", "git still down"), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.BUILD_STATUS_TOO_MANY_ATTEMPTS, st.get(id).Status)
}

// mirrorWithMaster builds an in-memory repository with a single commit on
// master and returns a Mirror over it plus the tip hash.
func mirrorWithMaster(t *testing.T) (*gitmirror.Mirror, string) {
	fs := memfs.New()
	repo, err := git.Init(memory.NewStorage(), fs)
	assert.NoError(t, err)
	wt, err := repo.Worktree()
	assert.NoError(t, err)
	f, err := fs.Create("README")
	assert.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.NoError(t, f.Close())
	_, err = wt.Add("README")
	assert.NoError(t, err)
	sig := &object.Signature{Name: "builder", Email: "builder@example.com", When: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)}
	hash, err := wt.Commit("initial", &git.CommitOptions{Author: sig, Committer: sig})
	assert.NoError(t, err)
	assert.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("master"), hash)))
	m, err := gitmirror.NewFromRepoForTesting(gitmirror.Config{}, repo)
	assert.NoError(t, err)
	return m, hash.String()
}

func TestCheckForBuildsEnqueuesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, tip := mirrorWithMaster(t)
	cfg := &types.ProjectConfig{
		GitRepo: types.GitRepoConfig{Pub: "https://github.com/acme/widget"},
		Buildmaster: types.BuildsConfig{
			Targets: []string{"linux-x64", "darwin"},
			Branches: []types.BranchConfig{
				{Pattern: "master", Autobuild: true},
			},
		},
	}
	p := project.NewForTesting("acme/widget", cfg, m, t.TempDir())
	d, st, _ := newTestDispatch(t, p)

	assert.NoError(t, d.CheckForBuilds(ctx, p))
	got, err := st.GetTargetsForBuild(ctx, "acme/widget", tip)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	for _, target := range []string{"linux-x64", "darwin"} {
		b := got[target]
		assert.NotNil(t, b)
		assert.Equal(t, types.BUILD_STATUS_PENDING, b.Status)
		assert.Equal(t, "Automatic build", b.Reason)
		assert.NotEmpty(t, b.Version)
	}

	// A second pass inserts nothing.
	assert.NoError(t, d.CheckForBuilds(ctx, p))
	n, err := st.CountBuilds(ctx, "acme/widget", "")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// A row in any status blocks re-enqueueing.
	assert.NoError(t, st.FinishBuild(ctx, got["darwin"].ID, types.BUILD_STATUS_FAILED, "boom"))
	assert.NoError(t, d.CheckForBuilds(ctx, p))
	n, err = st.CountBuilds(ctx, "acme/widget", "")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCheckForBuildsSkipsNonAutobuildBranches(t *testing.T) {
	ctx := context.Background()
	m, _ := mirrorWithMaster(t)
	cfg := &types.ProjectConfig{
		Buildmaster: types.BuildsConfig{
			Targets: []string{"linux-x64"},
			Branches: []types.BranchConfig{
				{Pattern: "release/**", Autobuild: true},
			},
		},
	}
	p := project.NewForTesting("acme/widget", cfg, m, t.TempDir())
	d, st, _ := newTestDispatch(t, p)

	assert.NoError(t, d.CheckForBuilds(ctx, p))
	n, err := st.CountBuilds(ctx, "acme/widget", "")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCheckForBuildsNoTargets(t *testing.T) {
	ctx := context.Background()
	m, _ := mirrorWithMaster(t)
	p := project.NewForTesting("acme/widget", &types.ProjectConfig{}, m, t.TempDir())
	d, st, _ := newTestDispatch(t, p)

	assert.NoError(t, d.CheckForBuilds(ctx, p))
	n, err := st.CountBuilds(ctx, "acme/widget", "")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAddBuild(t *testing.T) {
	ctx := context.Background()
	m, tip := mirrorWithMaster(t)
	cfg := &types.ProjectConfig{
		Buildmaster: types.BuildsConfig{
			Targets: []string{"linux-x64"},
			Branches: []types.BranchConfig{
				{Pattern: "master", Autobuild: true, NoOutput: true},
			},
		},
	}
	p := project.NewForTesting("acme/widget", cfg, m, t.TempDir())
	d, st, _ := newTestDispatch(t, p)

	// By branch name, inheriting the branch's noOutput flag.
	id, err := d.AddBuild(ctx, "acme/widget", "master", "linux-x64", "Requested by alice")
	assert.NoError(t, err)
	b := st.get(id)
	assert.Equal(t, tip, b.Revision)
	assert.Equal(t, "Requested by alice", b.Reason)
	assert.True(t, b.NoOutput)

	// By explicit revision.
	id, err = d.AddBuild(ctx, "acme/widget", tip, "darwin", "Requested by bob")
	assert.NoError(t, err)
	assert.Equal(t, tip, st.get(id).Revision)
	assert.False(t, st.get(id).NoOutput)

	_, err = d.AddBuild(ctx, "ghost/project", "master", "linux-x64", "x")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "No such project")

	_, err = d.AddBuild(ctx, "acme/widget", "not-a-branch", "linux-x64", "x")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "No such branch")
}

func TestExpireBuildsStateMachine(t *testing.T) {
	ctx := context.Background()
	p := testProject(t, "acme/widget")
	d, st, _ := newTestDispatch(t, p)
	id := st.add(&types.Build{
		Project:  "acme/widget",
		Revision: testRevision,
		Target:   "linux-x64",
		Version:  "2.0.3",
		Status:   types.BUILD_STATUS_PENDING,
	})

	claimOnce := func() {
		w := httptest.NewRecorder()
		d.getjob(w, httptest.NewRequest("GET", getjobURL("agent1", "sauce", "linux-x64"), nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "type=build")
	}
	expire := func() {
		st.mtx.Lock()
		st.builds[id].StatusChange = time.Now().Add(-10 * time.Minute)
		st.mtx.Unlock()
		d.expireBuilds(ctx)
	}

	for attempt := 1; attempt < 3; attempt++ {
		claimOnce()
		assert.Equal(t, attempt, st.get(id).Attempts)
		expire()
		b := st.get(id)
		assert.Equal(t, types.BUILD_STATUS_PENDING, b.Status)
		assert.Equal(t, "", b.JobSecret)
	}

	claimOnce()
	assert.Equal(t, 3, st.get(id).Attempts)
	expire()
	assert.Equal(t, types.BUILD_STATUS_TOO_MANY_ATTEMPTS, st.get(id).Status)

	// Terminal rows are left alone by later sweeps.
	d.expireBuilds(ctx)
	assert.Equal(t, types.BUILD_STATUS_TOO_MANY_ATTEMPTS, st.get(id).Status)
}

func TestDrainTombstones(t *testing.T) {
	ctx := context.Background()
	p := testProject(t, "acme/widget")
	d, st, _ := newTestDispatch(t, p)

	// Embedded tombstones resolve without touching any backend.
	st.addTombstone(&types.DeletedArtifact{
		Name:    "buildlog",
		Storage: types.STORAGE_EMBEDDED,
		Project: "acme/widget",
	})
	assert.True(t, d.drainOneTombstone(ctx))
	assert.Len(t, st.tombstones, 0)

	// File tombstones remove the backing file.
	path := filepath.Join(p.ArtifactPath(), "7", "myapp")
	assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0770))
	assert.NoError(t, os.WriteFile(path, []byte("bits"), 0640))
	st.addTombstone(&types.DeletedArtifact{
		Name:    "myapp",
		Storage: types.STORAGE_FILE,
		Payload: []byte("7/myapp"),
		Project: "acme/widget",
	})
	assert.True(t, d.drainOneTombstone(ctx))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, st.tombstones, 0)

	// A tombstone for an unconfigured project records the failure and is
	// skipped afterwards.
	tombID := st.addTombstone(&types.DeletedArtifact{
		Name:    "myapp",
		Storage: types.STORAGE_FILE,
		Payload: []byte("9/myapp"),
		Project: "ghost/project",
	})
	assert.True(t, d.drainOneTombstone(ctx))
	assert.Contains(t, st.failures[tombID], "Missing artifactPath")
	assert.False(t, d.drainOneTombstone(ctx))
}

func TestSplitTargets(t *testing.T) {
	assert.Nil(t, splitTargets(""))
	assert.Equal(t, []string{"a", "b"}, splitTargets("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitTargets(" a , b ,"))
}
