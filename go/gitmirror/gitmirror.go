// Package gitmirror maintains local bare mirrors of the Git repositories
// that builds are dispatched from. A Mirror fetches every ref from its
// upstream, answers questions about branches, tags and file contents, and
// computes describe-style version strings and changelogs from commit notes.
package gitmirror

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	httpgit "github.com/go-git/go-git/v5/plumbing/transport/http"
	gossh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/ssh"

	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/util"
)

const (
	// DefaultRefSpec copies every upstream ref into the mirror, including
	// the commit notes that changelogs are built from.
	DefaultRefSpec = "+refs/*:refs/*"

	// notesRef holds the project-wide changelog notes. Per-target notes
	// live in notesRef + "-<target>".
	notesRef = "refs/notes/changelog"

	describeCacheSize = 1024
)

// Config describes a single mirrored repository.
type Config struct {
	// Path is the location of the local bare repository. It is created on
	// first use if it does not exist.
	Path string

	// Upstream is the URL to fetch from.
	Upstream string

	// RefSpec overrides DefaultRefSpec.
	RefSpec string

	// Username overrides the user baked into the upstream URL.
	Username string

	// Password enables plaintext authentication for http(s) upstreams.
	Password string

	// SSHKeyPath points at a private key for ssh upstreams. When empty the
	// usual ~/.ssh keys are tried instead.
	SSHKeyPath string

	// SSHKeyPassphrase unlocks SSHKeyPath.
	SSHKeyPassphrase string
}

// Ref is a named commit, eg. a branch head or a peeled tag.
type Ref struct {
	Name string
	Hash string
}

// Change is one changelog entry for a commit.
type Change struct {
	Hash    string
	Version string
	Tag     string
	Message string
}

// Mirror is a local bare mirror of one upstream repository. All methods are
// safe for concurrent use.
type Mirror struct {
	cfg  Config
	mtx  sync.Mutex
	repo *git.Repository

	// describe results are stable until the next fetch changes a ref.
	describeCache *lru.Cache
}

// New opens the mirror at cfg.Path, creating a new bare repository if none
// exists yet.
func New(cfg Config) (*Mirror, error) {
	if cfg.RefSpec == "" {
		cfg.RefSpec = DefaultRefSpec
	}
	repo, err := git.PlainOpen(cfg.Path)
	if err == git.ErrRepositoryNotExists {
		dlog.Infof("Creating new repository at %s", cfg.Path)
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, derr.Wrap(err)
		}
		repo, err = git.PlainInit(cfg.Path, true)
	}
	if err != nil {
		return nil, derr.Wrapf(err, "failed to open repository at %s", cfg.Path)
	}
	return newFromRepo(cfg, repo)
}

func newFromRepo(cfg Config, repo *git.Repository) (*Mirror, error) {
	cache, err := lru.New(describeCacheSize)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	return &Mirror{
		cfg:           cfg,
		repo:          repo,
		describeCache: cache,
	}, nil
}

// NewFromRepoForTesting wraps an already-open repository so tests can drive
// a Mirror over synthesized histories.
func NewFromRepoForTesting(cfg Config, repo *git.Repository) (*Mirror, error) {
	return newFromRepo(cfg, repo)
}

// Sync fetches from the upstream and reports whether any ref changed.
func (m *Mirror) Sync(ctx context.Context) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.cfg.Upstream == "" {
		return false, derr.Fmt("no upstream configured for %s", m.cfg.Path)
	}
	dlog.Infof("Syncing repo from %s", m.cfg.Upstream)
	before, err := m.refsLocked()
	if err != nil {
		return false, err
	}
	refSpec := config.RefSpec(m.cfg.RefSpec)
	if err := refSpec.Validate(); err != nil {
		return false, derr.Wrapf(err, "invalid refspec %q", m.cfg.RefSpec)
	}
	remote, err := m.repo.CreateRemoteAnonymous(&config.RemoteConfig{
		Name:  "anonymous",
		URLs:  []string{m.cfg.Upstream},
		Fetch: []config.RefSpec{refSpec},
	})
	if err != nil {
		return false, derr.Wrap(err)
	}
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{refSpec},
		Auth:     m.authLocked(),
	})
	if err == git.NoErrAlreadyUpToDate || err == transport.ErrEmptyRemoteRepository {
		dlog.Infof("Synced repo from %s", m.cfg.Upstream)
		return false, nil
	}
	if err != nil {
		return false, derr.Wrapf(err, "failed to fetch %s", m.cfg.Upstream)
	}
	after, err := m.refsLocked()
	if err != nil {
		return false, err
	}
	names := make([]string, 0, len(after))
	for name := range after {
		names = append(names, name)
	}
	sort.Strings(names)
	updated := false
	for _, name := range names {
		hash := after[name]
		old, ok := before[name]
		if !ok {
			dlog.Infof("GIT: [new]     %.20s %s", hash, name)
			updated = true
		} else if old != hash {
			dlog.Infof("GIT: [updated] %.10s..%.10s %s", old, hash, name)
			updated = true
		}
	}
	if updated {
		m.describeCache.Purge()
	}
	dlog.Infof("Synced repo from %s", m.cfg.Upstream)
	return updated, nil
}

// refsLocked returns all non-symbolic refs as name -> hex hash.
func (m *Mirror) refsLocked() (map[string]string, error) {
	iter, err := m.repo.References()
	if err != nil {
		return nil, derr.Wrap(err)
	}
	refs := map[string]string{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		refs[ref.Name().String()] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, derr.Wrap(err)
	}
	return refs, nil
}

func (m *Mirror) authLocked() transport.AuthMethod {
	return Auth(m.cfg.Upstream, m.cfg.Username, m.cfg.Password, m.cfg.SSHKeyPath, m.cfg.SSHKeyPassphrase)
}

// Auth picks an authentication method for an upstream URL. A configured
// password wins for http(s) upstreams, then ssh keys (sshKeyPath or the
// usual ~/.ssh keys), otherwise the transfer proceeds anonymously. Both the
// coordinator mirrors and the agent checkouts authenticate this way.
func Auth(upstream, username, password, sshKeyPath, sshKeyPassphrase string) transport.AuthMethod {
	up := upstream
	user := username
	if user == "" {
		user = upstreamUser(up)
	}
	if password != "" && (strings.HasPrefix(up, "http://") || strings.HasPrefix(up, "https://")) {
		dlog.Debugf("Trying password authentication")
		return &httpgit.BasicAuth{Username: user, Password: password}
	}
	if !sshUpstream(up) {
		return nil
	}
	candidates := []string{sshKeyPath}
	if sshKeyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			dlog.Warningf("Unable to locate home directory: %s", err)
			return nil
		}
		candidates = []string{
			filepath.Join(home, ".ssh", "id_rsa"),
			filepath.Join(home, ".ssh", "id_dsa"),
		}
	}
	for _, keyPath := range candidates {
		if _, err := os.Stat(keyPath); err != nil {
			continue
		}
		dlog.Debugf("Trying SSH key authentication using %s", keyPath)
		keys, err := gossh.NewPublicKeysFromFile(user, keyPath, sshKeyPassphrase)
		if err != nil {
			dlog.Warningf("Failed to load SSH key %s: %s", keyPath, err)
			continue
		}
		keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		return keys
	}
	dlog.Debugf("No available authentication methods")
	return nil
}

// upstreamUser extracts the username from an upstream URL, falling back to
// "git" for scp-style URLs without one.
func upstreamUser(upstream string) string {
	if u, err := url.Parse(upstream); err == nil && u.User != nil {
		return u.User.Username()
	}
	if i := strings.Index(upstream, "@"); i > 0 && !strings.Contains(upstream[:i], "/") {
		return upstream[:i]
	}
	return "git"
}

func sshUpstream(upstream string) bool {
	if strings.HasPrefix(upstream, "ssh://") {
		return true
	}
	if strings.Contains(upstream, "://") {
		return false
	}
	at := strings.Index(upstream, "@")
	colon := strings.Index(upstream, ":")
	return at > 0 && colon > at
}

// Branches returns all branch heads in descending dictionary order, so that
// the most recent release branch comes first.
func (m *Mirror) Branches() ([]Ref, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	iter, err := m.repo.References()
	if err != nil {
		return nil, derr.Wrap(err)
	}
	refs := []Ref{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference || !ref.Name().IsBranch() {
			return nil
		}
		refs = append(refs, Ref{
			Name: ref.Name().Short(),
			Hash: ref.Hash().String(),
		})
		return nil
	})
	if err != nil {
		return nil, derr.Wrap(err)
	}
	sort.Slice(refs, func(i, j int) bool {
		return util.DictionaryCompare(refs[i].Name, refs[j].Name) > 0
	})
	return refs, nil
}

// Tags returns all tags with annotated tags peeled to the commit they
// ultimately point at.
func (m *Mirror) Tags() ([]Ref, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	tags, err := m.tagsLocked()
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(tags))
	for hash, name := range tags {
		refs = append(refs, Ref{Name: name, Hash: hash.String()})
	}
	sort.Slice(refs, func(i, j int) bool {
		return util.DictionaryCompare(refs[i].Name, refs[j].Name) > 0
	})
	return refs, nil
}

// tagsLocked maps peeled commit hashes to tag names.
func (m *Mirror) tagsLocked() (map[plumbing.Hash]string, error) {
	iter, err := m.repo.References()
	if err != nil {
		return nil, derr.Wrap(err)
	}
	tags := map[plumbing.Hash]string{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference || !ref.Name().IsTag() {
			return nil
		}
		hash := ref.Hash()
		for {
			tag, err := m.repo.TagObject(hash)
			if err != nil {
				break
			}
			hash = tag.Target
		}
		tags[hash] = ref.Name().Short()
		return nil
	})
	if err != nil {
		return nil, derr.Wrap(err)
	}
	return tags, nil
}

// Resolve turns a revision expression (branch name, tag, abbreviated or full
// hash) into a full commit hash.
func (m *Mirror) Resolve(rev string) (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	hash, err := m.resolveLocked(rev)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (m *Mirror) resolveLocked(rev string) (plumbing.Hash, error) {
	hash, err := m.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, derr.Wrapf(err, "unable to resolve '%s'", rev)
	}
	return *hash, nil
}

// RevList walks the history from rev newest first and returns up to count
// commit hashes.
func (m *Mirror) RevList(rev string, count int) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	start, err := m.resolveLocked(rev)
	if err != nil {
		return nil, err
	}
	commit, err := m.repo.CommitObject(start)
	if err != nil {
		return nil, derr.Wrapf(err, "unable to lookup commit %s", start)
	}
	revs := make([]string, 0, count)
	iter := object.NewCommitIterCTime(commit, nil, nil)
	defer iter.Close()
	for len(revs) < count {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, derr.Wrap(err)
		}
		revs = append(revs, c.Hash.String())
	}
	return revs, nil
}

// Describe computes a version string for the given revision: the name of the
// tag pointing at it, "<tag>.<distance>" for a commit <distance> commits past
// the nearest tag, or "0.0.<distance>" when no tag is reachable at all. With
// withHash a "-g<hash>" suffix is added to untagged commits, mirroring what
// git-describe prints.
func (m *Mirror) Describe(rev string, withHash bool) (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := fmt.Sprintf("%s/%t", rev, withHash)
	if cached, ok := m.describeCache.Get(key); ok {
		return cached.(string), nil
	}
	start, err := m.resolveLocked(rev)
	if err != nil {
		return "", err
	}
	tags, err := m.tagsLocked()
	if err != nil {
		return "", err
	}
	commit, err := m.repo.CommitObject(start)
	if err != nil {
		return "", derr.Wrapf(err, "unable to lookup commit %s", start)
	}
	tag := ""
	distance := 0
	iter := object.NewCommitIterCTime(commit, nil, nil)
	defer iter.Close()
	for {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", derr.Wrap(err)
		}
		if name, ok := tags[c.Hash]; ok {
			tag = name
			break
		}
		distance++
	}
	hash := ""
	if withHash {
		hash = start.String()
	}
	version := versionString(tag, distance, hash)
	m.describeCache.Add(key, version)
	return version, nil
}

// versionString formats a describe-style version. An empty tag means no tag
// was reachable and the "0.0" prefix is used instead.
func versionString(tag string, distance int, hash string) string {
	if tag == "" {
		tag = "0.0"
	}
	if distance == 0 {
		return tag
	}
	if hash != "" {
		return fmt.Sprintf("%s.%d-g%.8s", tag, distance, hash)
	}
	return fmt.Sprintf("%s.%d", tag, distance)
}

// Changelog walks the history from rev and returns entries built from commit
// notes. The message for a commit is the note in refs/notes/changelog, with
// the note from refs/notes/changelog-<target> appended when a target is
// given. The walk stops once count entries with messages have been collected;
// with all set, every commit counts whether or not it carries a note, and
// message-less entries are kept in the result.
func (m *Mirror) Changelog(rev string, count int, all bool, target string) ([]Change, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	start, err := m.resolveLocked(rev)
	if err != nil {
		return nil, err
	}
	tags, err := m.tagsLocked()
	if err != nil {
		return nil, err
	}
	commit, err := m.repo.CommitObject(start)
	if err != nil {
		return nil, derr.Wrapf(err, "unable to lookup commit %s", start)
	}
	targetRef := ""
	if target != "" {
		targetRef = notesRef + "-" + target
	}
	changes := []Change{}
	iter := object.NewCommitIterCTime(commit, nil, nil)
	defer iter.Close()
	remaining := count
	for remaining > 0 {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, derr.Wrap(err)
		}
		ch := Change{
			Hash: c.Hash.String(),
			Tag:  tags[c.Hash],
		}
		msg := ""
		if targetRef != "" {
			msg = m.noteLocked(targetRef, c.Hash)
		}
		if main := m.noteLocked(notesRef, c.Hash); main != "" {
			if msg != "" {
				msg = main + "\n" + msg
			} else {
				msg = main
			}
		}
		ch.Message = msg
		changes = append(changes, ch)
		if all || msg != "" {
			remaining--
		}
	}
	if len(changes) == 0 {
		return changes, nil
	}

	// Version the entries oldest to newest. The base is the closest tag at
	// or below the oldest entry; keep walking past the window to find it.
	tag := changes[len(changes)-1].Tag
	distance := 0
	if tag == "" {
		for {
			c, err := iter.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, derr.Wrap(err)
			}
			distance++
			if name, ok := tags[c.Hash]; ok {
				tag = name
				break
			}
		}
	}
	for i := len(changes) - 1; i >= 0; i-- {
		if changes[i].Tag != "" {
			tag = changes[i].Tag
			distance = 0
		}
		changes[i].Version = versionString(tag, distance, "")
		distance++
	}
	if !all {
		kept := changes[:0]
		for _, c := range changes {
			if c.Message != "" {
				kept = append(kept, c)
			}
		}
		changes = kept
	}
	return changes, nil
}

// noteLocked reads the note for the given commit from a notes ref. Notes
// trees store the annotated hash either flat or behind one or two levels of
// fanout directories. Returns "" when there is no note.
func (m *Mirror) noteLocked(ref string, h plumbing.Hash) string {
	notes, err := m.repo.Reference(plumbing.ReferenceName(ref), true)
	if err != nil {
		return ""
	}
	commit, err := m.repo.CommitObject(notes.Hash())
	if err != nil {
		return ""
	}
	tree, err := commit.Tree()
	if err != nil {
		return ""
	}
	hex := h.String()
	paths := []string{
		hex,
		hex[:2] + "/" + hex[2:],
		hex[:2] + "/" + hex[2:4] + "/" + hex[4:],
	}
	for _, p := range paths {
		f, err := tree.File(p)
		if err != nil {
			continue
		}
		contents, err := f.Contents()
		if err != nil {
			continue
		}
		return contents
	}
	return ""
}

// FileAt returns the contents of the file at path in the tree of the given
// revision.
func (m *Mirror) FileAt(rev, path string) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	start, err := m.resolveLocked(rev)
	if err != nil {
		return nil, err
	}
	commit, err := m.repo.CommitObject(start)
	if err != nil {
		return nil, derr.Wrapf(err, "unable to lookup commit %s", start)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, derr.Wrap(err)
	}
	comps := []string{}
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			comps = append(comps, c)
		}
	}
	if len(comps) == 0 {
		return nil, derr.Fmt("'%s' is not a file", path)
	}
	for i, comp := range comps {
		entry := findEntry(tree, comp)
		if i < len(comps)-1 {
			if entry == nil {
				return nil, derr.Fmt("'%s' directory not found", comp)
			}
			if entry.Mode != filemode.Dir {
				return nil, derr.Fmt("'%s' is not a tree object", comp)
			}
			tree, err = m.repo.TreeObject(entry.Hash)
			if err != nil {
				return nil, derr.Fmt("Unable to lookup '%s' tree object", comp)
			}
			continue
		}
		if entry == nil {
			return nil, derr.Fmt("'%s' not found", comp)
		}
		if !entry.Mode.IsFile() {
			return nil, derr.Fmt("'%s' is not a file", comp)
		}
		blob, err := m.repo.BlobObject(entry.Hash)
		if err != nil {
			return nil, derr.Fmt("Unable to lookup '%s' object", comp)
		}
		r, err := blob.Reader()
		if err != nil {
			return nil, derr.Wrap(err)
		}
		defer util.Close(r)
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, derr.Wrap(err)
		}
		return b, nil
	}
	return nil, derr.Fmt("'%s' not found", path)
}

func findEntry(tree *object.Tree, name string) *object.TreeEntry {
	for i := range tree.Entries {
		if tree.Entries[i].Name == name {
			return &tree.Entries[i]
		}
	}
	return nil
}
