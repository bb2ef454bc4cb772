// doozerctl sends operator commands to a local buildmaster over its control
// socket and prints the reply. The wire protocol is one 'X'-prefixed command
// line answered by ':'-prefixed message lines and a bare decimal exit
// status, which becomes this process's exit code.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/olekukonko/tablewriter"
	cli "github.com/urfave/cli/v2"

	"go.doozer.org/infra/buildmaster/go/ctrl"
	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/util"
)

// maxLineLen bounds one reply line, matching the server side.
const maxLineLen = 4096

func main() {
	app := &cli.App{
		Name:  "doozerctl",
		Usage: "Operator control for a local buildmaster.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Value: ctrl.SocketPath,
				Usage: "Control socket path.",
			},
		},
		Commands: []*cli.Command{
			buildCommand(),
			showCommand(),
			countCommand(),
			deleteCommand(),
			s3Command(),
		},
	}
	app.RunAndExitOnError()
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Enqueue a build",
		ArgsUsage: "<project> <branch | revision> <target>",
		Action: func(c *cli.Context) error {
			return forward(c, append([]string{"build"}, c.Args().Slice()...)...)
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show recent builds",
		ArgsUsage: "builds <project>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Render a table with human-friendly times.",
			},
		},
		Action: func(c *cli.Context) error {
			words := append([]string{"show"}, c.Args().Slice()...)
			if !c.Bool("pretty") {
				return forward(c, words...)
			}
			lines, status, err := send(c.String("socket"), words...)
			if err != nil {
				return err
			}
			renderBuildTable(os.Stdout, lines)
			return exitWith(status)
		},
	}
}

func countCommand() *cli.Command {
	return &cli.Command{
		Name:      "count",
		Usage:     "Count builds by status",
		ArgsUsage: "builds <project> [status]",
		Action: func(c *cli.Context) error {
			return forward(c, append([]string{"count"}, c.Args().Slice()...)...)
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete builds and their artifacts",
		ArgsUsage: "builds <project> <deprecated | failed | pending>",
		Action: func(c *cli.Context) error {
			return forward(c, append([]string{"delete"}, c.Args().Slice()...)...)
		},
	}
}

func s3Command() *cli.Command {
	return &cli.Command{
		Name:      "s3",
		Usage:     "Object storage maintenance",
		ArgsUsage: "delete <bucket> <awsid> <secret> <path>",
		Action: func(c *cli.Context) error {
			return forward(c, append([]string{"s3"}, c.Args().Slice()...)...)
		},
	}
}

// forward runs one command and prints the reply lines verbatim.
func forward(c *cli.Context, words ...string) error {
	lines, status, err := send(c.String("socket"), words...)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return exitWith(status)
}

func exitWith(status int) error {
	if status != 0 {
		return cli.Exit("", status)
	}
	return nil
}

// send runs one command line against the control socket and returns the
// buildmaster's message lines and exit status.
func send(socket string, words ...string) ([]string, int, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, 0, derr.Fmt("Unable to connect to %s -- %s (is the buildmaster running?)", socket, err)
	}
	defer util.Close(conn)

	if _, err := fmt.Fprintf(conn, "X%s\n", strings.Join(words, " ")); err != nil {
		return nil, 0, derr.Wrap(err)
	}
	var lines []string
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, maxLineLen), maxLineLen)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			lines = append(lines, line[1:])
		case len(line) > 0 && line[0] >= '0' && line[0] <= '9':
			status, err := strconv.Atoi(line)
			if err != nil {
				return lines, 0, derr.Fmt("Mangled status line '%s'", line)
			}
			return lines, status, nil
		default:
			lines = append(lines, fmt.Sprintf("???: %s", line))
		}
	}
	if err := sc.Err(); err != nil {
		return lines, 0, derr.Wrap(err)
	}
	return lines, 0, derr.Fmt("Connection closed before a status was returned")
}

// renderBuildTable formats the tab-separated "show builds" rows. Lines that
// are not build rows, like usage errors, pass through unchanged.
func renderBuildTable(w io.Writer, lines []string) {
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"ID", "Status", "Target", "Version", "Revision", "Created", "Duration", "Agent", "Reason"})
	t.SetBorder(false)
	rows := 0
	for _, line := range lines {
		f := strings.Split(line, "\t")
		if len(f) != 9 {
			fmt.Fprintln(w, line)
			continue
		}
		created := f[5]
		if ts, err := time.Parse(time.RFC3339, f[5]); err == nil {
			created = humanize.Time(ts)
		}
		duration := f[6]
		if secs, err := strconv.Atoi(f[6]); err == nil {
			duration = durafmt.Parse(time.Duration(secs) * time.Second).LimitFirstN(2).String()
		}
		t.Append([]string{f[0], f[1], f[2], f[3], f[4], created, duration, f[7], f[8]})
		rows++
	}
	if rows > 0 {
		t.Render()
	}
}
