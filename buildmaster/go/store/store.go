// Package store persists builds, artifacts and deletion tombstones in
// Postgres via pgx. Writes run inside crdbpgx retry loops; the one exception
// is the claim transaction, which stays open until the caller has flushed the
// job to the agent and commits or rolls back explicitly.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/derr"
)

// CommitFn commits a claim transaction.
type CommitFn func(ctx context.Context) error

// RollbackFn abandons a claim transaction, returning the build to pending.
type RollbackFn func(ctx context.Context) error

// Store is the persistence interface consumed by dispatch, release, rest and
// ctrl. *SQLStore implements it; tests use hand-written fakes.
type Store interface {
	// InsertBuild adds a build row and returns its id.
	InsertBuild(ctx context.Context, b *types.Build) (int64, error)

	// GetBuild returns the build with the given id, or types.ErrNoData.
	GetBuild(ctx context.Context, id int64) (*types.Build, error)

	// GetTargetsForBuild returns the builds recorded for a revision, keyed
	// by target.
	GetTargetsForBuild(ctx context.Context, project, revision string) (map[string]*types.Build, error)

	// BuildsForRevision returns every build row at a revision, newest
	// first.
	BuildsForRevision(ctx context.Context, project, revision string) ([]*types.Build, error)

	// ClaimBuild picks the oldest pending build for one of the targets and
	// marks it building for the agent. The claim is held open: the caller
	// must invoke exactly one of the returned CommitFn/RollbackFn. Returns
	// types.ErrNoData when nothing is pending.
	ClaimBuild(ctx context.Context, targets []string, agent string) (*types.Build, CommitFn, RollbackFn, error)

	// SetBuildInProgress updates the progress text of a building build.
	SetBuildInProgress(ctx context.Context, id int64, msg string) error

	// FinishBuild moves a building build to a terminal status.
	FinishBuild(ctx context.Context, id int64, status types.BuildStatus, msg string) error

	// RestartBuild moves a build back to pending or gives up on it,
	// clearing the claim either way.
	RestartBuild(ctx context.Context, id int64, status types.BuildStatus) error

	// ExpiredBuilds returns building builds whose last status change is at
	// least timeoutMinutes old.
	ExpiredBuilds(ctx context.Context, timeoutMinutes int) ([]*types.Build, error)

	// CountBuilds counts a project's builds, optionally narrowed to one
	// status.
	CountBuilds(ctx context.Context, project string, status types.BuildStatus) (int64, error)

	// ListBuilds returns a page of a project's builds, newest first.
	ListBuilds(ctx context.Context, project string, offset, limit int) ([]*types.Build, error)

	// InsertArtifact adds an artifact row and returns its id.
	InsertArtifact(ctx context.Context, a *types.Artifact) (int64, error)

	// ArtifactBySHA1 returns the newest artifact row with the given sha1,
	// including the owning build's project, or types.ErrNoData.
	ArtifactBySHA1(ctx context.Context, sha1 string) (*types.Artifact, error)

	// ArtifactsForBuild returns a build's artifacts.
	ArtifactsForBuild(ctx context.Context, buildID int64) ([]*types.Artifact, error)

	// IncDownloadCount / IncPatchCount bump the serving counters for every
	// row sharing the sha1.
	IncDownloadCount(ctx context.Context, sha1 string) error
	IncPatchCount(ctx context.Context, sha1 string) error

	// LatestDoneBuilds returns, per target, the project's most recent done
	// build.
	LatestDoneBuilds(ctx context.Context, project string) ([]*types.Build, error)

	// DeleteBuildsByStatus removes a project's builds with the given
	// status, except ids listed in keep. Their artifacts become
	// tombstones. Returns the number of builds deleted.
	DeleteBuildsByStatus(ctx context.Context, project string, status types.BuildStatus, keep []int64) (int64, error)

	// NextDeletedArtifact returns one tombstone that has not failed yet,
	// or types.ErrNoData.
	NextDeletedArtifact(ctx context.Context) (*types.DeletedArtifact, error)

	// ResolveDeletedArtifact removes a drained tombstone.
	ResolveDeletedArtifact(ctx context.Context, id int64) error

	// FailDeletedArtifact records a deletion failure on a tombstone.
	FailDeletedArtifact(ctx context.Context, id int64, msg string) error
}

// SQLStore implements Store on a pgx connection pool.
type SQLStore struct {
	db *pgxpool.Pool
}

// New returns a Store backed by the given pool.
func New(db *pgxpool.Pool) *SQLStore {
	return &SQLStore{db: db}
}

// NewFromConfig connects a pool for the configured database.
func NewFromConfig(ctx context.Context, cfg types.DBConfig) (*SQLStore, error) {
	db, err := pgxpool.Connect(ctx, connString(cfg))
	if err != nil {
		return nil, derr.Wrapf(err, "failed to connect to %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	}
	return New(db), nil
}

func connString(cfg types.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		} else {
			u.User = url.User(cfg.Username)
		}
	}
	return u.String()
}

// Close releases the pool.
func (s *SQLStore) Close() {
	s.db.Close()
}

const buildCols = `id, project, revision, target, type, version, status, agent, jobsecret, attempts, no_output, progress_text, created, status_change, buildstart, buildend`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBuild(row scannable) (*types.Build, error) {
	var b types.Build
	var status string
	var agent, jobsecret, progress pgtype.Text
	var buildstart, buildend pgtype.Timestamptz
	if err := row.Scan(&b.ID, &b.Project, &b.Revision, &b.Target, &b.Reason, &b.Version, &status, &agent, &jobsecret, &b.Attempts, &b.NoOutput, &progress, &b.Created, &b.StatusChange, &buildstart, &buildend); err != nil {
		return nil, err
	}
	b.Status = types.BuildStatus(status)
	b.Agent = agent.String
	b.JobSecret = jobsecret.String
	b.ProgressText = progress.String
	if buildstart.Status == pgtype.Present {
		t := buildstart.Time
		b.BuildStart = &t
	}
	if buildend.Status == pgtype.Present {
		t := buildend.Time
		b.BuildEnd = &t
	}
	return &b, nil
}

// textOrNil maps "" to SQL NULL.
func textOrNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// intOrNil maps 0 to SQL NULL.
func intOrNil(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

// transientDB wraps a database error as types.ErrTransient, naming the
// SQLSTATE when the server provided one.
func transientDB(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return derr.Wrapf(types.ErrTransient, "%s: %s (SQLSTATE %s)", msg, pgErr.Message, pgErr.Code)
	}
	return derr.Wrapf(types.ErrTransient, "%s: %s", msg, err)
}

// InsertBuild implements Store.
func (s *SQLStore) InsertBuild(ctx context.Context, b *types.Build) (int64, error) {
	var id int64
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
INSERT INTO build (project, revision, target, type, version, status, no_output)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			b.Project, b.Revision, b.Target, b.Reason, b.Version, string(b.Status), b.NoOutput).Scan(&id)
		// Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return 0, transientDB(err, "inserting build")
	}
	return id, nil
}

// GetBuild implements Store.
func (s *SQLStore) GetBuild(ctx context.Context, id int64) (*types.Build, error) {
	b, err := scanBuild(s.db.QueryRow(ctx, `SELECT `+buildCols+` FROM build WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, types.ErrNoData
	}
	if err != nil {
		return nil, transientDB(err, "loading build")
	}
	return b, nil
}

// GetTargetsForBuild implements Store.
func (s *SQLStore) GetTargetsForBuild(ctx context.Context, project, revision string) (map[string]*types.Build, error) {
	rows, err := s.db.Query(ctx, `SELECT `+buildCols+` FROM build WHERE project = $1 AND revision = $2 ORDER BY id`, project, revision)
	if err != nil {
		return nil, transientDB(err, "loading builds for revision")
	}
	defer rows.Close()
	rv := map[string]*types.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, transientDB(err, "scanning builds for revision")
		}
		rv[b.Target] = b
	}
	return rv, rows.Err()
}

// BuildsForRevision implements Store.
func (s *SQLStore) BuildsForRevision(ctx context.Context, project, revision string) ([]*types.Build, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+buildCols+` FROM build WHERE project = $1 AND revision = $2
ORDER BY created DESC, id DESC`, project, revision)
	if err != nil {
		return nil, transientDB(err, "loading builds for revision")
	}
	defer rows.Close()
	rv := []*types.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, transientDB(err, "scanning builds for revision")
		}
		rv = append(rv, b)
	}
	return rv, rows.Err()
}

// ClaimBuild implements Store. The transaction deliberately bypasses crdbpgx:
// it must stay open until the caller has written the job to the agent.
func (s *SQLStore) ClaimBuild(ctx context.Context, targets []string, agent string) (*types.Build, CommitFn, RollbackFn, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, nil, transientDB(err, "beginning claim")
	}
	var b types.Build
	err = tx.QueryRow(ctx, `
SELECT id, revision, target, project, version, no_output FROM build
WHERE status = 'pending' AND target = ANY($1)
ORDER BY created LIMIT 1 FOR UPDATE`, targets).Scan(&b.ID, &b.Revision, &b.Target, &b.Project, &b.Version, &b.NoOutput)
	if err == pgx.ErrNoRows {
		_ = tx.Rollback(ctx)
		return nil, nil, nil, types.ErrNoData
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, nil, transientDB(err, "selecting pending build")
	}
	b.Agent = agent
	b.Status = types.BUILD_STATUS_BUILDING
	b.JobSecret = strconv.FormatUint(uint64(rand.Uint32()), 10)
	if _, err := tx.Exec(ctx, `
UPDATE build SET agent = $1, status = 'building', status_change = now(),
buildstart = now(), attempts = attempts + 1, jobsecret = $2 WHERE id = $3`,
		agent, b.JobSecret, b.ID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, nil, transientDB(err, "claiming build")
	}
	commit := func(ctx context.Context) error {
		return tx.Commit(ctx)
	}
	rollback := func(ctx context.Context) error {
		return tx.Rollback(ctx)
	}
	return &b, commit, rollback, nil
}

// SetBuildInProgress implements Store.
func (s *SQLStore) SetBuildInProgress(ctx context.Context, id int64, msg string) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
UPDATE build SET progress_text = $1, status_change = now()
WHERE id = $2 AND status = 'building'`, textOrNil(msg), id)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return transientDB(err, "updating progress")
	}
	return nil
}

// FinishBuild implements Store.
func (s *SQLStore) FinishBuild(ctx context.Context, id int64, status types.BuildStatus, msg string) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
UPDATE build SET status = $1, status_change = now(), buildend = now(),
progress_text = $2, jobsecret = NULL
WHERE id = $3 AND status = 'building'`, string(status), textOrNil(msg), id)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return transientDB(err, "finishing build")
	}
	return nil
}

// RestartBuild implements Store. Used both for tempfailed reports and claim
// expiry; agent and jobsecret are cleared so the row satisfies the pending
// invariants again.
func (s *SQLStore) RestartBuild(ctx context.Context, id int64, status types.BuildStatus) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
UPDATE build SET status = $1, status_change = now(), agent = NULL,
jobsecret = NULL, progress_text = NULL
WHERE id = $2 AND status = 'building'`, string(status), id)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return transientDB(err, "restarting build")
	}
	return nil
}

// ExpiredBuilds implements Store.
func (s *SQLStore) ExpiredBuilds(ctx context.Context, timeoutMinutes int) ([]*types.Build, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+buildCols+` FROM build
WHERE status = 'building' AND status_change <= now() - make_interval(mins => $1)
ORDER BY id`, timeoutMinutes)
	if err != nil {
		return nil, transientDB(err, "loading expired builds")
	}
	defer rows.Close()
	rv := []*types.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, transientDB(err, "scanning expired build")
		}
		rv = append(rv, b)
	}
	return rv, rows.Err()
}

// CountBuilds implements Store.
func (s *SQLStore) CountBuilds(ctx context.Context, project string, status types.BuildStatus) (int64, error) {
	var count int64
	var err error
	if status == "" {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM build WHERE project = $1`, project).Scan(&count)
	} else {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM build WHERE project = $1 AND status = $2`, project, string(status)).Scan(&count)
	}
	if err != nil {
		return 0, transientDB(err, "counting builds")
	}
	return count, nil
}

// ListBuilds implements Store.
func (s *SQLStore) ListBuilds(ctx context.Context, project string, offset, limit int) ([]*types.Build, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+buildCols+` FROM build WHERE project = $1
ORDER BY created DESC, id DESC OFFSET $2 LIMIT $3`, project, offset, limit)
	if err != nil {
		return nil, transientDB(err, "listing builds")
	}
	defer rows.Close()
	rv := []*types.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, transientDB(err, "scanning build")
		}
		rv = append(rv, b)
	}
	return rv, rows.Err()
}

// InsertArtifact implements Store.
func (s *SQLStore) InsertArtifact(ctx context.Context, a *types.Artifact) (int64, error) {
	var id int64
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
INSERT INTO artifact (build_id, type, name, storage, payload, size, md5, sha1, contenttype, encoding, origsize)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
			a.BuildID, a.Type, a.Name, string(a.Storage), a.Payload, a.Size, a.MD5, a.SHA1,
			textOrNil(a.ContentType), textOrNil(a.Encoding), intOrNil(a.OrigSize)).Scan(&id)
		// Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return 0, transientDB(err, "inserting artifact")
	}
	return id, nil
}

const artifactCols = `a.id, a.build_id, a.type, a.name, a.storage, a.payload, a.size, a.md5, a.sha1, a.contenttype, a.encoding, a.origsize, a.dlcount, a.patchcount, a.created`

func scanArtifact(row scannable, withProject bool) (*types.Artifact, error) {
	var a types.Artifact
	var storage string
	var contenttype, encoding pgtype.Text
	var origsize pgtype.Int8
	dest := []interface{}{
		&a.ID, &a.BuildID, &a.Type, &a.Name, &storage, &a.Payload, &a.Size, &a.MD5, &a.SHA1,
		&contenttype, &encoding, &origsize, &a.DLCount, &a.PatchCount, &a.Created,
	}
	if withProject {
		dest = append(dest, &a.Project)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	a.Storage = types.Storage(storage)
	a.ContentType = contenttype.String
	a.Encoding = encoding.String
	if origsize.Status == pgtype.Present {
		a.OrigSize = origsize.Int
	}
	return &a, nil
}

// ArtifactBySHA1 implements Store.
func (s *SQLStore) ArtifactBySHA1(ctx context.Context, sha1 string) (*types.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRow(ctx, `
SELECT `+artifactCols+`, b.project FROM artifact a JOIN build b ON a.build_id = b.id
WHERE a.sha1 = $1 ORDER BY a.id DESC LIMIT 1`, sha1), true)
	if err == pgx.ErrNoRows {
		return nil, types.ErrNoData
	}
	if err != nil {
		return nil, transientDB(err, "loading artifact")
	}
	return a, nil
}

// ArtifactsForBuild implements Store.
func (s *SQLStore) ArtifactsForBuild(ctx context.Context, buildID int64) ([]*types.Artifact, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+artifactCols+` FROM artifact a WHERE a.build_id = $1 ORDER BY a.id`, buildID)
	if err != nil {
		return nil, transientDB(err, "loading artifacts")
	}
	defer rows.Close()
	rv := []*types.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows, false)
		if err != nil {
			return nil, transientDB(err, "scanning artifact")
		}
		rv = append(rv, a)
	}
	return rv, rows.Err()
}

// IncDownloadCount implements Store.
func (s *SQLStore) IncDownloadCount(ctx context.Context, sha1 string) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE artifact SET dlcount = dlcount + 1 WHERE sha1 = $1`, sha1)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return transientDB(err, "counting download")
	}
	return nil
}

// IncPatchCount implements Store.
func (s *SQLStore) IncPatchCount(ctx context.Context, sha1 string) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE artifact SET patchcount = patchcount + 1 WHERE sha1 = $1`, sha1)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return transientDB(err, "counting patch")
	}
	return nil
}

// LatestDoneBuilds implements Store.
func (s *SQLStore) LatestDoneBuilds(ctx context.Context, project string) ([]*types.Build, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+buildCols+` FROM build WHERE id IN (
	SELECT max(id) FROM build WHERE project = $1 AND status = 'done' GROUP BY target
) ORDER BY target`, project)
	if err != nil {
		return nil, transientDB(err, "loading releases")
	}
	defer rows.Close()
	rv := []*types.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, transientDB(err, "scanning release build")
		}
		rv = append(rv, b)
	}
	return rv, rows.Err()
}

// DeleteBuildsByStatus implements Store.
func (s *SQLStore) DeleteBuildsByStatus(ctx context.Context, project string, status types.BuildStatus, keep []int64) (int64, error) {
	if keep == nil {
		keep = []int64{}
	}
	var deleted int64
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// Don't wrap errors in here - crdbpgx might retry.
		if _, err := tx.Exec(ctx, `
INSERT INTO deleted_artifact (name, storage, payload, project)
SELECT a.name, a.storage, a.payload, b.project
FROM artifact a JOIN build b ON a.build_id = b.id
WHERE b.project = $1 AND b.status = $2 AND b.id != ALL($3)`,
			project, string(status), keep); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
DELETE FROM artifact WHERE build_id IN (
	SELECT id FROM build WHERE project = $1 AND status = $2 AND id != ALL($3)
)`, project, string(status), keep); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
DELETE FROM build WHERE project = $1 AND status = $2 AND id != ALL($3)`,
			project, string(status), keep)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, transientDB(err, "deleting builds")
	}
	return deleted, nil
}

// NextDeletedArtifact implements Store.
func (s *SQLStore) NextDeletedArtifact(ctx context.Context) (*types.DeletedArtifact, error) {
	var d types.DeletedArtifact
	var storage string
	err := s.db.QueryRow(ctx, `
SELECT id, name, storage, payload, project FROM deleted_artifact
WHERE error IS NULL ORDER BY id LIMIT 1`).Scan(&d.ID, &d.Name, &storage, &d.Payload, &d.Project)
	if err == pgx.ErrNoRows {
		return nil, types.ErrNoData
	}
	if err != nil {
		return nil, transientDB(err, "loading tombstone")
	}
	d.Storage = types.Storage(storage)
	return &d, nil
}

// ResolveDeletedArtifact implements Store.
func (s *SQLStore) ResolveDeletedArtifact(ctx context.Context, id int64) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM deleted_artifact WHERE id = $1`, id)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return transientDB(err, "resolving tombstone")
	}
	return nil
}

// FailDeletedArtifact implements Store.
func (s *SQLStore) FailDeletedArtifact(ctx context.Context, id int64, msg string) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE deleted_artifact SET error = $1 WHERE id = $2`, msg, id)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return transientDB(err, "failing tombstone")
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
