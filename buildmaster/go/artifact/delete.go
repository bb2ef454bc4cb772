package artifact

import (
	"context"
	"os"
	"path/filepath"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/s3"
)

// DeleteStored removes the bytes behind a tombstone from its storage backend.
// Embedded artifacts have nothing outside the row; deleting an already-gone
// file counts as success so a replayed tombstone cannot wedge the queue. The
// project may be nil when its config has been removed.
func DeleteStored(ctx context.Context, p *project.Project, da *types.DeletedArtifact) error {
	switch da.Storage {
	case types.STORAGE_EMBEDDED:
		return nil

	case types.STORAGE_FILE:
		if p == nil {
			return derr.Fmt("Missing artifactPath in config")
		}
		path := filepath.Join(p.ArtifactPath(), string(da.Payload))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return derr.Wrapf(err, "Unable to unlink '%s'", path)
		}
		return nil

	case types.STORAGE_S3:
		if p == nil || p.Config().S3 == nil {
			return derr.Fmt("Missing S3 config for project. Unable to delete file")
		}
		cfg := p.Config().S3
		client := s3.NewClient(cfg.AWSID, cfg.Secret, cfg.Bucket, httputils.NewTimeoutClient())
		return client.Delete(ctx, string(da.Payload))

	default:
		return derr.Fmt("Unknown storage type: %s", da.Storage)
	}
}
