package types

import (
	"encoding/json"
	"io"

	"github.com/bmatcuk/doublestar/v4"

	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/util"
)

// RootConfig is the coordinator's configuration file (doozer.json).
type RootConfig struct {
	HTTP             HTTPConfig        `json:"http"`
	ProjectConfigDir string            `json:"projectConfigDir"`
	Buildmaster      CoordinatorConfig `json:"buildmaster"`
	BuildURLPrefix   string            `json:"buildUrlPrefix"`
	PatchStash       string            `json:"patchstash"`
	Repos            string            `json:"repos"`
	ArtifactPrefix   string            `json:"artifactPrefix"`

	// ArtifactPath anchors per-project artifact directories for projects
	// that do not configure their own.
	ArtifactPath string `json:"artifactPath"`
}

type HTTPConfig struct {
	BindAddress string `json:"bindAddress"`
	Port        int    `json:"port"`

	// LongPollTimeout is how long getjob holds an empty claim open, in
	// seconds.
	LongPollTimeout int `json:"longpollTimeout"`
}

type CoordinatorConfig struct {
	// BuildTimeout is the number of minutes a claimed build may go without
	// reporting before its claim expires.
	BuildTimeout int `json:"buildtimeout"`

	// BuildAttempts is the number of claims a build gets before it is
	// marked too_many_attempts.
	BuildAttempts int `json:"buildattempts"`

	Agents map[string]AgentEntry `json:"agents"`
	DB     DBConfig              `json:"db"`
}

type AgentEntry struct {
	Secret string `json:"secret"`
}

type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// AgentSecret returns the configured secret for an agent id, or "" when the
// agent is unknown.
func (c *RootConfig) AgentSecret(id string) string {
	return c.Buildmaster.Agents[id].Secret
}

// LoadRootConfig reads and decodes the coordinator config, filling defaults
// for absent keys.
func LoadRootConfig(path string) (*RootConfig, error) {
	rv := &RootConfig{
		HTTP: HTTPConfig{
			BindAddress:     "127.0.0.1",
			Port:            9000,
			LongPollTimeout: 60,
		},
		ProjectConfigDir: "projects",
		Buildmaster: CoordinatorConfig{
			BuildTimeout:  300,
			BuildAttempts: 3,
			DB: DBConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "doozer",
			},
		},
		PatchStash: "/var/tmp/doozer/patchstash",
		Repos:      "/var/tmp/doozer-git-repos",
	}
	if err := util.WithReadFile(path, func(f io.Reader) error {
		return json.NewDecoder(f).Decode(rv)
	}); err != nil {
		return nil, derr.Wrapf(err, "failed to load config %s", path)
	}
	return rv, nil
}

// ProjectConfig is one project's configuration file
// (<projectConfigDir>/<org>/<name>.json). Values are immutable after decode;
// reloads build a fresh snapshot.
type ProjectConfig struct {
	GitRepo                 GitRepoConfig  `json:"gitrepo"`
	Buildmaster             BuildsConfig   `json:"buildmaster"`
	GitHub                  GitHubConfig   `json:"github"`
	S3                      *S3Config      `json:"s3"`
	ArtifactPath            string         `json:"artifactPath"`
	RepoUpdateNotifications []string       `json:"repoUpdateNotifications"`
	ReleaseTracks           *ReleaseTracks `json:"releaseTracks"`
}

type GitRepoConfig struct {
	// Pub is the public clone URL handed to agents, and what the mirror
	// fetches from.
	Pub      string `json:"pub"`
	Username string `json:"username"`
	Password string `json:"password"`
	RefSpec  string `json:"refspec"`

	// RefreshInterval is the periodic fetch interval in seconds; 0 fetches
	// only on demand (webhooks, control socket).
	RefreshInterval int `json:"refreshInterval"`

	SSH SSHConfig `json:"ssh"`
}

type SSHConfig struct {
	PubPath  string `json:"pubPath"`
	PrivPath string `json:"privPath"`
	Password string `json:"password"`
}

type BuildsConfig struct {
	Targets  []string       `json:"targets"`
	Branches []BranchConfig `json:"branches"`
}

type BranchConfig struct {
	// Pattern is a glob matched against branch names with path semantics:
	// '*' does not cross '/', '**' does.
	Pattern   string `json:"pattern"`
	Autobuild bool   `json:"autobuild"`
	NoOutput  bool   `json:"noOutput"`
}

type GitHubConfig struct {
	Key string `json:"key"`
}

type S3Config struct {
	Bucket string `json:"bucket"`
	AWSID  string `json:"awsid"`
	Secret string `json:"secret"`
}

type ReleaseTracks struct {
	// ManifestDir is a filesystem directory or an s3://bucket/prefix URI.
	ManifestDir string          `json:"manifestDir"`
	Tracks      []Track         `json:"tracks"`
	Targets     []ReleaseTarget `json:"targets"`
}

type Track struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Branch      string `json:"branch"`
	Description string `json:"description"`
}

type ReleaseTarget struct {
	Target    string            `json:"target"`
	Title     string            `json:"title"`
	Artifacts []ReleaseArtifact `json:"artifacts"`
}

type ReleaseArtifact struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// BranchConfig returns the first configured branch entry whose pattern
// matches the branch name, or nil.
func (c *ProjectConfig) BranchConfig(branch string) *BranchConfig {
	for i := range c.Buildmaster.Branches {
		b := &c.Buildmaster.Branches[i]
		ok, err := doublestar.Match(b.Pattern, branch)
		if err != nil {
			dlog.Warningf("Bad branch pattern %q: %s", b.Pattern, err)
			continue
		}
		if ok {
			return b
		}
	}
	return nil
}

// Target returns the release target entry for the given target name, or nil.
func (r *ReleaseTracks) Target(target string) *ReleaseTarget {
	for i := range r.Targets {
		if r.Targets[i].Target == target {
			return &r.Targets[i]
		}
	}
	return nil
}

// Artifact returns the configured artifact entry of the given type, or nil.
func (t *ReleaseTarget) Artifact(typ string) *ReleaseArtifact {
	for i := range t.Artifacts {
		if t.Artifacts[i].Type == typ {
			return &t.Artifacts[i]
		}
	}
	return nil
}

// LoadProjectConfig reads and decodes one project config file.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	rv := &ProjectConfig{}
	if err := util.WithReadFile(path, func(f io.Reader) error {
		return json.NewDecoder(f).Decode(rv)
	}); err != nil {
		return nil, derr.Wrapf(err, "failed to load project config %s", path)
	}
	return rv, nil
}
