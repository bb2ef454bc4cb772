// Package types holds the build and artifact records shared by the
// coordinator's components, the build status machine, and the sentinel
// errors used to classify failures across package boundaries.
package types

import (
	"time"
)

const (
	// BUILD_STATUS_PENDING indicates the build is waiting for an agent to
	// claim it.
	BUILD_STATUS_PENDING BuildStatus = "pending"

	// BUILD_STATUS_BUILDING indicates the build has been claimed by an
	// agent and is in progress. Agent and JobSecret are set exactly while
	// a build has this status.
	BUILD_STATUS_BUILDING BuildStatus = "building"

	// BUILD_STATUS_DONE indicates the build finished successfully.
	BUILD_STATUS_DONE BuildStatus = "done"

	// BUILD_STATUS_FAILED indicates the build script failed permanently.
	BUILD_STATUS_FAILED BuildStatus = "failed"

	// BUILD_STATUS_TEMPFAILED is only ever reported by agents; the
	// coordinator resolves it to pending or too_many_attempts in the same
	// transaction, so no row rests in this status.
	BUILD_STATUS_TEMPFAILED BuildStatus = "tempfailed"

	// BUILD_STATUS_TOO_MANY_ATTEMPTS indicates the build was given up on
	// after exhausting its attempts.
	BUILD_STATUS_TOO_MANY_ATTEMPTS BuildStatus = "too_many_attempts"
)

var (
	VALID_BUILD_STATUSES = []BuildStatus{
		BUILD_STATUS_PENDING,
		BUILD_STATUS_BUILDING,
		BUILD_STATUS_DONE,
		BUILD_STATUS_FAILED,
		BUILD_STATUS_TEMPFAILED,
		BUILD_STATUS_TOO_MANY_ATTEMPTS,
	}
)

// BuildStatus is the current state of a Build in the status machine:
//
//	pending -> building -> done | failed
//	building -> pending | too_many_attempts   (tempfailed report or timeout)
type BuildStatus string

// IsTerminal returns true if no further transition can take the build out of
// this status.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BUILD_STATUS_DONE, BUILD_STATUS_FAILED, BUILD_STATUS_TOO_MANY_ATTEMPTS:
		return true
	}
	return false
}

// Build is a snapshot of one build row. JobSecret is shared with the claiming
// agent only and never serialized.
type Build struct {
	ID           int64       `json:"id"`
	Project      string      `json:"-"`
	Revision     string      `json:"revision"`
	Target       string      `json:"target"`
	Version      string      `json:"version"`
	Reason       string      `json:"reason"`
	Status       BuildStatus `json:"status"`
	Agent        string      `json:"agent,omitempty"`
	JobSecret    string      `json:"-"`
	Attempts     int         `json:"attempts"`
	NoOutput     bool        `json:"-"`
	ProgressText string      `json:"progress_text,omitempty"`
	Created      time.Time   `json:"created"`
	StatusChange time.Time   `json:"status_change"`
	BuildStart   *time.Time  `json:"buildstart,omitempty"`
	BuildEnd     *time.Time  `json:"buildend,omitempty"`
}

// Copy returns a deep copy of the Build.
func (b *Build) Copy() *Build {
	rv := new(Build)
	*rv = *b
	if b.BuildStart != nil {
		t := *b.BuildStart
		rv.BuildStart = &t
	}
	if b.BuildEnd != nil {
		t := *b.BuildEnd
		rv.BuildEnd = &t
	}
	return rv
}

const (
	// STORAGE_EMBEDDED keeps the artifact bytes in the row payload.
	STORAGE_EMBEDDED Storage = "embedded"

	// STORAGE_FILE keeps the artifact under the project's artifactPath;
	// the payload is the relative path "<jobid>/<name>".
	STORAGE_FILE Storage = "file"

	// STORAGE_S3 keeps the artifact in the project's S3 bucket; the
	// payload is the object key.
	STORAGE_S3 Storage = "s3"
)

// Storage names the backend holding an artifact's bytes.
type Storage string

// Artifact is a snapshot of one artifact row. SHA1 globally addresses the
// bytes; several rows may share it when builds reproduce identical output.
type Artifact struct {
	ID          int64     `json:"id"`
	BuildID     int64     `json:"-"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Storage     Storage   `json:"-"`
	Payload     []byte    `json:"-"`
	Size        int64     `json:"size"`
	MD5         string    `json:"md5"`
	SHA1        string    `json:"sha1"`
	ContentType string    `json:"contenttype,omitempty"`
	Encoding    string    `json:"encoding,omitempty"`
	OrigSize    int64     `json:"origsize,omitempty"`
	DLCount     int64     `json:"dlcount"`
	PatchCount  int64     `json:"patchcount"`
	Created     time.Time `json:"-"`

	// Project is the owning build's project, filled in by lookups that
	// join the build table.
	Project string `json:"-"`
}

// DeletedArtifact is a tombstone copied from an artifact row at deletion
// time. The reaper drains tombstones by deleting the backing bytes; Error
// keeps the last failure so a broken entry does not wedge the queue.
type DeletedArtifact struct {
	ID      int64
	Name    string
	Storage Storage
	Payload []byte
	Project string
	Error   string
}

const (
	// JobUpdateRepo asks a project worker to sync the git mirror.
	JobUpdateRepo JobMask = 1 << iota

	// JobCheckForBuilds asks a project worker to enqueue missing builds.
	JobCheckForBuilds

	// JobGenerateReleases asks a project worker to regenerate release
	// manifests.
	JobGenerateReleases

	// JobNotifyRepoUpdate asks a project worker to fire webhook
	// notifications.
	JobNotifyRepoUpdate
)

// JobMask is a bitmask of pending per-project background jobs.
type JobMask uint32

// Has returns true if every bit of other is set in m.
func (m JobMask) Has(other JobMask) bool {
	return m&other == other
}
