package dispatch

import (
	"context"
	"time"

	"github.com/fatih/color"
	"golang.org/x/time/rate"

	"go.doozer.org/infra/buildmaster/go/artifact"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/cleanup"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/metrics"
)

const tombstoneIdle = time.Minute

// StartReapers launches the claim-expiry sweep and the deleted-artifact
// drain. The sweep is registered with the cleanup package; the drain exits
// when the context is cancelled.
func (d *Dispatch) StartReapers(ctx context.Context) {
	cleanup.Repeat(time.Minute, func() {
		d.expireBuilds(ctx)
	}, nil)
	go d.tombstoneLoop(ctx)
}

// expireBuilds returns builds whose agents went silent to pending, or gives
// up on them once their attempts are spent.
func (d *Dispatch) expireBuilds(ctx context.Context) {
	builds, err := d.store.ExpiredBuilds(ctx, d.cfg.Buildmaster.BuildTimeout)
	if err != nil {
		dlog.Errorf("Failed to scan for expired builds -- %s", err)
		return
	}
	for _, b := range builds {
		d.logf(b.Project, "build/status",
			"Build #%d: Agent %s did not report back for attempt %d of '%s'",
			b.ID, b.Agent, b.Attempts, b.Version)
		if b.Attempts < d.cfg.Buildmaster.BuildAttempts {
			if err := d.store.RestartBuild(ctx, b.ID, types.BUILD_STATUS_PENDING); err != nil {
				dlog.Errorf("Build #%d: Failed to restart -- %s", b.ID, err)
			}
			continue
		}
		if err := d.store.RestartBuild(ctx, b.ID, types.BUILD_STATUS_TOO_MANY_ATTEMPTS); err != nil {
			dlog.Errorf("Build #%d: Failed to give up -- %s", b.ID, err)
			continue
		}
		d.logf(b.Project, "build/finalstatus", "%s %s",
			color.RedString("Build #%d too many build attempts failed. Giving up.", b.ID),
			d.buildURL(b.ID))
		metrics.GetCounter("dispatch_builds_given_up").Inc(1)
	}
}

// tombstoneLoop drains deleted-artifact tombstones one at a time, sleeping
// when the queue is empty. The limiter keeps a large backlog from starving
// the store.
func (d *Dispatch) tombstoneLoop(ctx context.Context) {
	lim := rate.NewLimiter(4000, 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		if d.drainOneTombstone(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tombstoneIdle):
		}
	}
}

// drainOneTombstone deletes the stored bytes behind one tombstone. Returns
// false when the queue is empty.
func (d *Dispatch) drainOneTombstone(ctx context.Context) bool {
	da, err := d.store.NextDeletedArtifact(ctx)
	if types.IsNoData(err) {
		return false
	}
	if err != nil {
		dlog.Errorf("Failed to fetch deleted artifact -- %s", err)
		return false
	}
	payload := ""
	if da.Storage != types.STORAGE_EMBEDDED {
		payload = string(da.Payload)
	}
	if err := artifact.DeleteStored(ctx, d.reg.Get(da.Project), da); err != nil {
		d.logf(da.Project, "artifact/error", "Failed to delete artifact %s %s:%s -- %s",
			da.Name, da.Storage, payload, err)
		if ferr := d.store.FailDeletedArtifact(ctx, da.ID, err.Error()); ferr != nil {
			dlog.Errorf("Failed to record tombstone failure -- %s", ferr)
		}
		return true
	}
	d.logf(da.Project, "artifact/deleted", "Deleted artifact %s %s:%s", da.Name, da.Storage, payload)
	if err := d.store.ResolveDeletedArtifact(ctx, da.ID); err != nil {
		dlog.Errorf("Failed to resolve tombstone -- %s", err)
	}
	return true
}
