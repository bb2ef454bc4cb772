// The doozer agent claims builds from a buildmaster, materializes the
// project checkout in its heap and supervises the build as an unprivileged
// user, uploading status and artifacts as it goes.
package main

import (
	"context"
	"flag"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"go.doozer.org/infra/agent/go/client"
	"go.doozer.org/infra/agent/go/heap"
	"go.doozer.org/infra/agent/go/worker"
	"go.doozer.org/infra/go/common"
	"go.doozer.org/infra/go/dlog"
)

// flags
var (
	configFile = flag.String("config", "agent.json", "Agent config file.")
	promPort   = flag.String("prom_port", ":20001", "Metrics service address (e.g., ':20001')")
)

func main() {
	common.InitWithMust("doozer_agent", common.PrometheusOpt(promPort))

	// Heap setup and the privilege drop below only work as root.
	if os.Getuid() != 0 {
		dlog.Fatalf("Doozer agent needs to be run as root")
	}

	cfg, err := worker.LoadConfig(*configFile)
	if err != nil {
		dlog.Fatalf("Unable to load config (check --config option). Giving up -- %s", err)
	}

	uid, gid := resolveIdentity(cfg)

	heaps, err := heap.New(cfg.ProjectsDir, cfg.Heap, uid, gid)
	if err != nil {
		dlog.Fatalf("No heap manager for projects, giving up -- %s", err)
	}

	dropPrivileges(uid, gid)

	c := client.New(cfg.URL, cfg.AgentID, cfg.Secret)
	w := worker.New(c, heaps, cfg)
	if err := w.Run(context.Background()); err != nil {
		dlog.Fatalf("Agent stopped -- %s", err)
	}
}

// resolveIdentity looks up the build user and group from the config,
// defaulting to nobody:nogroup.
func resolveIdentity(cfg *worker.Config) (int, int) {
	username := cfg.User
	if username == "" {
		username = "nobody"
		dlog.Infof("No user configured, using: %s", username)
	}
	groupname := cfg.Group
	if groupname == "" {
		groupname = "nogroup"
		dlog.Infof("No group configured, using: %s", groupname)
	}
	u, err := user.Lookup(username)
	if err != nil {
		dlog.Fatalf("Unable to find UID for user %s. Exiting", username)
	}
	g, err := user.LookupGroup(groupname)
	if err != nil {
		dlog.Fatalf("Unable to find GID for group %s. Exiting", groupname)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		dlog.Fatalf("Unable to parse UID %s -- %s", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		dlog.Fatalf("Unable to parse GID %s -- %s", g.Gid, err)
	}
	return uid, gid
}

// dropPrivileges switches the whole process to the build identity. Builds
// inherit it, and nothing after this point may need root again.
func dropPrivileges(uid, gid int) {
	if err := unix.Setgroups([]int{gid}); err != nil {
		dlog.Fatalf("Unable to drop supplementary groups -- %s", err)
	}
	if err := unix.Setgid(gid); err != nil {
		dlog.Fatalf("Unable to switch to GID %d -- %s", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		dlog.Fatalf("Unable to switch to UID %d -- %s", uid, err)
	}
	dlog.Infof("Running builds as %d:%d", uid, gid)
}
