// Package ctrl answers operator commands on a local unix socket. The
// doozerctl CLI connects, writes one command line prefixed with 'X' and reads
// back ':'-prefixed message lines followed by a bare decimal exit status.
package ctrl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"go.doozer.org/infra/buildmaster/go/project"
	"go.doozer.org/infra/buildmaster/go/store"
	"go.doozer.org/infra/buildmaster/go/types"
	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/httputils"
	"go.doozer.org/infra/go/metrics"
	"go.doozer.org/infra/go/s3"
	"go.doozer.org/infra/go/util"
)

// SocketPath is the default location of the control socket.
const SocketPath = "/tmp/doozerctrl"

// showLimit caps how many rows "show builds" returns.
const showLimit = 50

// maxLineLen bounds a single command line.
const maxLineLen = 4096

// Builder enqueues builds on operator request.
type Builder interface {
	AddBuild(ctx context.Context, projectID, branchOrRev, target, reason string) (int64, error)
}

// Projects resolves configured project ids.
type Projects interface {
	Get(id string) *project.Project
}

// Server executes control commands against the store and the dispatcher.
type Server struct {
	store    store.Store
	reg      Projects
	builder  Builder
	client   *http.Client
	commands metrics.Counter
}

// New returns a control command server.
func New(st store.Store, reg Projects, builder Builder) *Server {
	return &Server{
		store:    st,
		reg:      reg,
		builder:  builder,
		client:   httputils.NewTimeoutClient(),
		commands: metrics.GetCounter("ctrl_commands"),
	}
}

// Listen binds the control socket, replacing a stale one left behind by a
// previous run.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, derr.Wrapf(err, "unable to remove stale control socket %s", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return derr.Wrap(err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs the line protocol on one connection. Lines not starting
// with the 'X' command marker get a bare failure status.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer util.Close(conn)
	caller := peerUser(conn)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, maxLineLen), maxLineLen)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		line := sc.Text()
		status := 1
		if strings.HasPrefix(line, "X") {
			status = s.exec(ctx, reply{w}, caller, line[1:])
		}
		fmt.Fprintf(w, "%d\n", status)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// reply streams ':'-prefixed message lines back to the client.
type reply struct {
	w io.Writer
}

func (r reply) msgf(format string, args ...interface{}) {
	fmt.Fprintf(r.w, ":"+format+"\n", args...)
}

func (s *Server) exec(ctx context.Context, r reply, user, line string) int {
	s.commands.Inc(1)
	args := strings.Fields(line)
	if len(args) == 0 {
		r.msgf("No command given")
		return 1
	}
	dlog.Infof("ctrl: %q from %s", line, user)
	switch {
	case args[0] == "build":
		return s.build(ctx, r, user, args[1:])
	case args[0] == "show" && len(args) >= 2 && args[1] == "builds":
		return s.showBuilds(ctx, r, args[2:])
	case args[0] == "count" && len(args) >= 2 && args[1] == "builds":
		return s.countBuilds(ctx, r, args[2:])
	case args[0] == "delete" && len(args) >= 2 && args[1] == "builds":
		return s.deleteBuilds(ctx, r, args[2:])
	case args[0] == "s3" && len(args) >= 2 && args[1] == "delete":
		return s.s3Delete(ctx, r, args[2:])
	}
	r.msgf("Unknown command: %s", line)
	return 1
}

func (s *Server) build(ctx context.Context, r reply, user string, args []string) int {
	if len(args) != 3 {
		r.msgf("usage: build <project> <branch | revision> <target>")
		return 1
	}
	reason := fmt.Sprintf("Requested by %s", user)
	id, err := s.builder.AddBuild(ctx, args[0], args[1], args[2], reason)
	if err != nil {
		r.msgf("%s", err)
		return 1
	}
	r.msgf("Enqueued build #%d", id)
	return 0
}

func (s *Server) showBuilds(ctx context.Context, r reply, args []string) int {
	if len(args) != 1 {
		r.msgf("usage: show builds <project>")
		return 1
	}
	if s.reg.Get(args[0]) == nil {
		r.msgf("No such project: %s", args[0])
		return 1
	}
	builds, err := s.store.ListBuilds(ctx, args[0], 0, showLimit)
	if err != nil {
		r.msgf("%s", err)
		return 1
	}
	for _, b := range builds {
		dur := ""
		if b.BuildStart != nil && b.BuildEnd != nil {
			dur = strconv.Itoa(int(b.BuildEnd.Sub(*b.BuildStart) / time.Second))
		}
		r.msgf("%d\t%s\t%s\t%s\t%.8s\t%s\t%s\t%s\t%s",
			b.ID, b.Status, b.Target, b.Version, b.Revision,
			b.Created.UTC().Format(time.RFC3339), dur, b.Agent, b.Reason)
	}
	return 0
}

func (s *Server) countBuilds(ctx context.Context, r reply, args []string) int {
	if len(args) != 1 && len(args) != 2 {
		r.msgf("usage: count builds <project> [status]")
		return 1
	}
	if s.reg.Get(args[0]) == nil {
		r.msgf("No such project: %s", args[0])
		return 1
	}
	var status types.BuildStatus
	if len(args) == 2 {
		status = types.BuildStatus(args[1])
		valid := false
		for _, st := range types.VALID_BUILD_STATUSES {
			if st == status {
				valid = true
				break
			}
		}
		if !valid {
			r.msgf("Unknown status: %s", args[1])
			return 1
		}
	}
	n, err := s.store.CountBuilds(ctx, args[0], status)
	if err != nil {
		r.msgf("%s", err)
		return 1
	}
	r.msgf("%d", n)
	return 0
}

func (s *Server) deleteBuilds(ctx context.Context, r reply, args []string) int {
	if len(args) != 2 {
		r.msgf("usage: delete builds <project> <deprecated | failed | pending>")
		return 1
	}
	projectID := args[0]
	if s.reg.Get(projectID) == nil {
		r.msgf("No such project: %s", projectID)
		return 1
	}
	var status types.BuildStatus
	var keep []int64
	switch args[1] {
	case "deprecated":
		status = types.BUILD_STATUS_DONE
		latest, err := s.store.LatestDoneBuilds(ctx, projectID)
		if err != nil {
			r.msgf("%s", err)
			return 1
		}
		for _, b := range latest {
			r.msgf("   Skipping active build #%-6d %-20s %-16.16s %-16s",
				b.ID, b.Version, b.Revision, b.Target)
			keep = append(keep, b.ID)
		}
	case "failed":
		status = types.BUILD_STATUS_FAILED
	case "pending":
		status = types.BUILD_STATUS_PENDING
	default:
		r.msgf("Unknown filter")
		return 1
	}
	n, err := s.store.DeleteBuildsByStatus(ctx, projectID, status, keep)
	if err != nil {
		r.msgf("%s", err)
		return 1
	}
	if args[1] == "deprecated" {
		r.msgf("Deleted %d deprecated builds", n)
	} else {
		r.msgf("Deleted %d %s builds", n, args[1])
	}
	return 0
}

func (s *Server) s3Delete(ctx context.Context, r reply, args []string) int {
	if len(args) != 4 {
		r.msgf("usage: s3 delete <bucket> <awsid> <secret> <path>")
		return 1
	}
	client := s3.NewClient(args[1], args[2], args[0], s.client)
	if err := client.Delete(ctx, args[3]); err != nil {
		r.msgf("Unable to delete %s -- %s", args[3], err)
		return 1
	}
	r.msgf("Deleted %s", args[3])
	return 0
}

// peerUser resolves the username of the connecting process via SO_PEERCRED.
// Falls back to the numeric uid, then to "unknown".
func peerUser(conn net.Conn) string {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return "unknown"
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return "unknown"
	}
	var cred *unix.Ucred
	cerr := raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cerr != nil || err != nil || cred == nil {
		return "unknown"
	}
	uid := strconv.FormatUint(uint64(cred.Uid), 10)
	u, err := user.LookupId(uid)
	if err != nil {
		return uid
	}
	return u.Username
}
