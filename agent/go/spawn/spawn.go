// Package spawn runs build commands under supervision. Output is captured
// line by line into a combined log, stdout lines can be intercepted, and a
// command that goes silent for too long is killed together with its process
// group.
package spawn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Marker precedes every stderr line in the combined capture so the log
// viewer can tell the streams apart.
var Marker = []byte{0xef, 0xbf, 0xb9}

const (
	// DefaultTimeout is the no-output limit when Options.Timeout is zero.
	DefaultTimeout = 600 * time.Second

	// maxLineLen caps a single captured line.
	maxLineLen = 1 << 20
)

// Error is a failure to run a command to completion, as opposed to the
// command exiting with a code of its own. Temporary failures are worth
// retrying on another claim.
type Error struct {
	Msg       string
	Temporary bool
}

func (e *Error) Error() string {
	return e.Msg
}

// Temporary reports whether err is a spawn failure that may succeed on a
// retry. Errors from the line callback are passed through Run unchanged, so
// callers can classify their own errors the same way.
func Temporary(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Temporary
}

// Options describe one supervised command.
type Options struct {
	// Name is the executable, resolved against PATH when not absolute.
	Name string

	// Args are the arguments, not including the executable itself.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env replaces the environment when non-nil.
	Env []string

	// Timeout kills the command when neither stream has produced output
	// for this long. Zero means DefaultTimeout.
	Timeout time.Duration

	// Output receives the combined capture: stdout lines as-is, stderr
	// lines prefixed with Marker, every line terminated with \n.
	Output io.Writer

	// Line, when set, sees every complete stdout line. A non-nil return
	// kills the command and is surfaced from Run unchanged.
	Line func(line string) error
}

type lineEvent struct {
	text   string
	stderr bool
}

// Run executes one command and returns its exit code. A non-nil error means
// the command did not run to completion: callback errors are returned
// verbatim, everything else is an *Error. Exit code 127 maps to a permanent
// "Unable to execute command" since the shell convention reserves it for a
// missing binary.
func Run(ctx context.Context, o Options) (int, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(o.Name, o.Args...)
	cmd.Dir = o.Dir
	cmd.Env = o.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, &Error{Msg: fmt.Sprintf("Unable to create pipe -- %s", err), Temporary: true}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, &Error{Msg: fmt.Sprintf("Unable to create pipe -- %s", err), Temporary: true}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return 127, &Error{Msg: "Unable to execute command"}
		}
		return 0, &Error{Msg: fmt.Sprintf("Unable to start command -- %s", err), Temporary: true}
	}

	mirror := isatty.IsTerminal(os.Stdout.Fd())

	lines := make(chan lineEvent)
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(stdout, false, lines, &wg)
	go pump(stderr, true, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	timerC := timer.C
	ctxDone := ctx.Done()

	// Once failure is set the process group is killed and the remaining
	// pipe contents are drained without further processing, so the pumps
	// reach EOF and the child can be reaped.
	var failure error
	kill := func(reason error) {
		failure = reason
		timerC = nil
		ctxDone = nil
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

loop:
	for {
		select {
		case ev, ok := <-lines:
			if !ok {
				break loop
			}
			if failure != nil {
				continue
			}
			if !timer.Stop() {
				<-timerC
			}
			timer.Reset(timeout)
			if o.Output != nil {
				if ev.stderr {
					_, _ = o.Output.Write(Marker)
				}
				_, _ = io.WriteString(o.Output, ev.text)
				_, _ = io.WriteString(o.Output, "\n")
			}
			if mirror {
				if ev.stderr {
					fmt.Println(color.RedString("stderr: %s", ev.text))
				} else {
					fmt.Println(color.YellowString("stdout: %s", ev.text))
				}
			}
			if !ev.stderr && o.Line != nil {
				if err := o.Line(ev.text); err != nil {
					kill(err)
				}
			}
		case <-timerC:
			kill(&Error{
				Msg:       fmt.Sprintf("No output detected for %d seconds", int(timeout/time.Second)),
				Temporary: true,
			})
		case <-ctxDone:
			kill(ctx.Err())
		}
	}

	werr := cmd.Wait()
	if failure != nil {
		return 0, failure
	}
	if werr == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if !errors.As(werr, &ee) {
		return 0, &Error{Msg: fmt.Sprintf("Unable to wait for child -- %s", werr), Temporary: true}
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		if ws.CoreDump() {
			return 0, &Error{Msg: "Core dumped", Temporary: true}
		}
		return 0, &Error{Msg: fmt.Sprintf("Terminated by signal %d", int(ws.Signal())), Temporary: true}
	}
	code := ee.ExitCode()
	if code == 127 {
		return 127, &Error{Msg: "Unable to execute command"}
	}
	return code, nil
}

// pump feeds complete lines from one stream into the event channel until
// the stream closes.
func pump(r io.Reader, stderr bool, out chan<- lineEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	for sc.Scan() {
		out <- lineEvent{text: sc.Text(), stderr: stderr}
	}
}
