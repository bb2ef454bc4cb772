package store

import (
	"context"

	"go.doozer.org/infra/go/derr"
)

// ddl creates the schema. Statements are idempotent so CreateTables can run
// at every startup.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS build (
	id            SERIAL PRIMARY KEY,
	project       TEXT NOT NULL,
	revision      TEXT NOT NULL,
	target        TEXT NOT NULL,
	type          TEXT NOT NULL,
	version       TEXT NOT NULL,
	status        TEXT NOT NULL,
	agent         TEXT,
	jobsecret     TEXT,
	attempts      INT NOT NULL DEFAULT 0,
	no_output     BOOLEAN NOT NULL DEFAULT FALSE,
	progress_text TEXT,
	created       TIMESTAMPTZ NOT NULL DEFAULT now(),
	status_change TIMESTAMPTZ NOT NULL DEFAULT now(),
	buildstart    TIMESTAMPTZ,
	buildend      TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS artifact (
	id          SERIAL PRIMARY KEY,
	build_id    INT NOT NULL REFERENCES build(id),
	type        TEXT NOT NULL,
	name        TEXT NOT NULL,
	storage     TEXT NOT NULL,
	payload     BYTEA,
	size        INT NOT NULL,
	md5         TEXT NOT NULL,
	sha1        TEXT NOT NULL,
	contenttype TEXT,
	encoding    TEXT,
	origsize    INT,
	dlcount     INT NOT NULL DEFAULT 0,
	patchcount  INT NOT NULL DEFAULT 0,
	created     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS deleted_artifact (
	id      SERIAL PRIMARY KEY,
	name    TEXT NOT NULL,
	storage TEXT NOT NULL,
	payload BYTEA,
	project TEXT NOT NULL,
	error   TEXT
)`,
	`CREATE INDEX IF NOT EXISTS build_project_revision ON build (project, revision)`,
	`CREATE INDEX IF NOT EXISTS build_status_target ON build (status, target)`,
	`CREATE INDEX IF NOT EXISTS artifact_sha1 ON artifact (sha1)`,
	`CREATE INDEX IF NOT EXISTS artifact_build_id ON artifact (build_id)`,
}

// CreateTables brings the schema up to date.
func (s *SQLStore) CreateTables(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return derr.Wrapf(err, "failed schema statement")
		}
	}
	return nil
}
