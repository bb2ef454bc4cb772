package types

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestBuildStatusIsTerminal(t *testing.T) {
	assert.False(t, BUILD_STATUS_PENDING.IsTerminal())
	assert.False(t, BUILD_STATUS_BUILDING.IsTerminal())
	assert.False(t, BUILD_STATUS_TEMPFAILED.IsTerminal())
	assert.True(t, BUILD_STATUS_DONE.IsTerminal())
	assert.True(t, BUILD_STATUS_FAILED.IsTerminal())
	assert.True(t, BUILD_STATUS_TOO_MANY_ATTEMPTS.IsTerminal())
}

func TestJobMask(t *testing.T) {
	assert.Equal(t, JobMask(0x1), JobUpdateRepo)
	assert.Equal(t, JobMask(0x2), JobCheckForBuilds)
	assert.Equal(t, JobMask(0x4), JobGenerateReleases)
	assert.Equal(t, JobMask(0x8), JobNotifyRepoUpdate)

	m := JobUpdateRepo | JobGenerateReleases
	assert.True(t, m.Has(JobUpdateRepo))
	assert.True(t, m.Has(JobGenerateReleases))
	assert.False(t, m.Has(JobCheckForBuilds))
	assert.True(t, m.Has(JobUpdateRepo|JobGenerateReleases))
	assert.False(t, m.Has(JobUpdateRepo|JobCheckForBuilds))
}

func TestIsNoDataUnwraps(t *testing.T) {
	assert.True(t, IsNoData(ErrNoData))
	assert.False(t, IsNoData(ErrTransient))
	assert.False(t, IsNoData(nil))
}

func TestLoadRootConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doozer.json")
	assert.NoError(t, os.WriteFile(path, []byte(`{
  "buildmaster": {
    "agents": {"agent1": {"secret": "hunter2"}},
    "db": {"username": "doozer", "password": "pw"}
  }
}`), 0644))
	cfg, err := LoadRootConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.HTTP.BindAddress)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, 60, cfg.HTTP.LongPollTimeout)
	assert.Equal(t, "projects", cfg.ProjectConfigDir)
	assert.Equal(t, 300, cfg.Buildmaster.BuildTimeout)
	assert.Equal(t, 3, cfg.Buildmaster.BuildAttempts)
	assert.Equal(t, "localhost", cfg.Buildmaster.DB.Host)
	assert.Equal(t, 5432, cfg.Buildmaster.DB.Port)
	assert.Equal(t, "doozer", cfg.Buildmaster.DB.Database)
	assert.Equal(t, "doozer", cfg.Buildmaster.DB.Username)
	assert.Equal(t, "/var/tmp/doozer/patchstash", cfg.PatchStash)
	assert.Equal(t, "/var/tmp/doozer-git-repos", cfg.Repos)
	assert.Equal(t, "hunter2", cfg.AgentSecret("agent1"))
	assert.Equal(t, "", cfg.AgentSecret("nobody"))
}

func TestLoadRootConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doozer.json")
	assert.NoError(t, os.WriteFile(path, []byte(`{
  "http": {"bindAddress": "0.0.0.0", "port": 8080, "longpollTimeout": 5},
  "buildmaster": {"buildtimeout": 10, "buildattempts": 1}
}`), 0644))
	cfg, err := LoadRootConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.BindAddress)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.HTTP.LongPollTimeout)
	assert.Equal(t, 10, cfg.Buildmaster.BuildTimeout)
	assert.Equal(t, 1, cfg.Buildmaster.BuildAttempts)
}

func TestLoadProjectConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tvheadend.json")
	assert.NoError(t, os.WriteFile(path, []byte(`{
  "gitrepo": {
    "pub": "https://github.com/example/tvheadend.git",
    "refreshInterval": 300,
    "ssh": {"privPath": "/etc/doozer/key"}
  },
  "buildmaster": {
    "targets": ["linux-x86_64", "mips"],
    "branches": [
      {"pattern": "release/*", "autobuild": true},
      {"pattern": "master", "autobuild": true, "noOutput": true}
    ]
  },
  "github": {"key": "sekrit"},
  "s3": {"bucket": "doozer-artifacts", "awsid": "AKID", "secret": "s3secret"},
  "artifactPath": "/var/tmp/doozer/artifacts",
  "repoUpdateNotifications": ["https://example.com/hook"],
  "releaseTracks": {
    "manifestDir": "/var/www/releases",
    "tracks": [{"name": "stable", "title": "Stable", "branch": "release/*", "description": "Stable builds"}],
    "targets": [{"target": "mips", "title": "MIPS", "artifacts": [{"type": "bin", "title": "Binary"}]}]
  }
}`), 0644))
	cfg, err := LoadProjectConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "https://github.com/example/tvheadend.git", cfg.GitRepo.Pub)
	assert.Equal(t, 300, cfg.GitRepo.RefreshInterval)
	assert.Equal(t, "/etc/doozer/key", cfg.GitRepo.SSH.PrivPath)
	assert.Equal(t, []string{"linux-x86_64", "mips"}, cfg.Buildmaster.Targets)
	assert.Equal(t, "sekrit", cfg.GitHub.Key)
	assert.NotNil(t, cfg.S3)
	assert.Equal(t, "doozer-artifacts", cfg.S3.Bucket)
	assert.Equal(t, []string{"https://example.com/hook"}, cfg.RepoUpdateNotifications)
	assert.NotNil(t, cfg.ReleaseTracks)
	assert.Equal(t, "Stable builds", cfg.ReleaseTracks.Tracks[0].Description)

	target := cfg.ReleaseTracks.Target("mips")
	assert.NotNil(t, target)
	assert.Equal(t, "MIPS", target.Title)
	assert.Nil(t, cfg.ReleaseTracks.Target("arm"))
	assert.NotNil(t, target.Artifact("bin"))
	assert.Equal(t, "Binary", target.Artifact("bin").Title)
	assert.Nil(t, target.Artifact("buildlog"))
}

func TestBranchConfigGlob(t *testing.T) {
	cfg := &ProjectConfig{
		Buildmaster: BuildsConfig{
			Branches: []BranchConfig{
				{Pattern: "release/*", Autobuild: true},
				{Pattern: "master", Autobuild: true, NoOutput: true},
				{Pattern: "**", Autobuild: false},
			},
		},
	}

	b := cfg.BranchConfig("release/4.0")
	assert.NotNil(t, b)
	assert.Equal(t, "release/*", b.Pattern)
	assert.True(t, b.Autobuild)

	b = cfg.BranchConfig("master")
	assert.NotNil(t, b)
	assert.True(t, b.NoOutput)

	// '*' does not cross '/'; the catch-all picks this one up.
	b = cfg.BranchConfig("release/4.0/hotfix")
	assert.NotNil(t, b)
	assert.Equal(t, "**", b.Pattern)
	assert.False(t, b.Autobuild)

	b = cfg.BranchConfig("feature/shiny")
	assert.NotNil(t, b)
	assert.Equal(t, "**", b.Pattern)

	cfg.Buildmaster.Branches = cfg.Buildmaster.Branches[:2]
	assert.Nil(t, cfg.BranchConfig("feature/shiny"))
}

func TestBuildCopy(t *testing.T) {
	now := time.Now()
	b := &Build{
		ID:         7,
		Project:    "example/tvheadend",
		Status:     BUILD_STATUS_BUILDING,
		BuildStart: &now,
	}
	c := b.Copy()
	assert.Equal(t, b, c)
	*c.BuildStart = now.Add(time.Hour)
	assert.True(t, b.BuildStart.Equal(now))
}
