package dispatch

import (
	"context"
	"regexp"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/derr"
)

var revisionRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// CheckForBuilds enqueues pending builds for every autobuild branch tip that
// lacks a build row for one of the configured targets. It is idempotent; a
// row in any status blocks re-enqueueing.
func (d *Dispatch) CheckForBuilds(ctx context.Context, p *project.Project) error {
	p.Logf("build/check", "Checking if need to build anything")
	cfg := p.Config()
	if len(cfg.Buildmaster.Targets) == 0 {
		p.Logf("system", "Project lacks buildmaster.targets config")
		return nil
	}
	branches, err := p.Mirror().Branches()
	if err != nil {
		return derr.Wrapf(err, "failed to list branches")
	}
	for _, br := range branches {
		bc := cfg.BranchConfig(br.Name)
		if bc == nil || !bc.Autobuild {
			continue
		}
		p.Logf("build/check", "Checking build status for branch %s (%.8s)", br.Name, br.Hash)
		existing, err := d.store.GetTargetsForBuild(ctx, p.ID, br.Hash)
		if err != nil {
			return derr.Wrapf(err, "failed to look up builds for %s", br.Hash)
		}
		for _, target := range cfg.Buildmaster.Targets {
			if _, ok := existing[target]; ok {
				continue
			}
			if _, err := d.addBuild(ctx, p, br.Hash, target, "Automatic build", bc.NoOutput); err != nil {
				return err
			}
		}
	}
	return nil
}

// addBuild inserts one pending build row and logs it.
func (d *Dispatch) addBuild(ctx context.Context, p *project.Project, revision, target, reason string, noOutput bool) (int64, error) {
	version, err := p.Mirror().Describe(revision, true)
	if err != nil {
		return 0, derr.Wrapf(err, "failed to describe %s", revision)
	}
	b := &types.Build{
		Project:  p.ID,
		Revision: revision,
		Target:   target,
		Version:  version,
		Reason:   reason,
		Status:   types.BUILD_STATUS_PENDING,
		NoOutput: noOutput,
	}
	id, err := d.store.InsertBuild(ctx, b)
	if err != nil {
		return 0, derr.Wrapf(err, "failed to insert build")
	}
	suffix := ""
	if noOutput {
		suffix = ", No artifacts will be stored"
	}
	p.Logf("build/queue", "Build #%d: Created for %s rev:%.8s target:%s by %s%s",
		id, p.ID, revision, target, reason, suffix)
	return id, nil
}

// AddBuild enqueues a build on request, resolving a branch name to its tip
// or accepting a 40-hex revision literally. Used by the control socket.
func (d *Dispatch) AddBuild(ctx context.Context, projectID, branchOrRev, target, reason string) (int64, error) {
	p := d.reg.Get(projectID)
	if p == nil {
		return 0, derr.Fmt("No such project: %s", projectID)
	}
	revision := ""
	noOutput := false
	if revisionRe.MatchString(branchOrRev) {
		revision = branchOrRev
	} else {
		branches, err := p.Mirror().Branches()
		if err != nil {
			return 0, derr.Wrapf(err, "failed to list branches")
		}
		for _, br := range branches {
			if br.Name == branchOrRev {
				revision = br.Hash
				break
			}
		}
		if revision == "" {
			return 0, derr.Fmt("No such branch")
		}
		if bc := p.Config().BranchConfig(branchOrRev); bc != nil {
			noOutput = bc.NoOutput
		}
	}
	id, err := d.addBuild(ctx, p, revision, target, reason, noOutput)
	if err != nil {
		return 0, derr.Wrapf(err, "Failed to enqueue build")
	}
	return id, nil
}
