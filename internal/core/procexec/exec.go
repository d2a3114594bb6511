// Package procexec is the external-tool invocation substrate: argv-only
// child process execution, stdin from /dev/null, merged stdout+stderr
// delivered line-by-line to a callback, exit-status decoding (including
// the "128+signo" POSIX convention for signalled children), and pipeline
// support for chaining several tools.
//
// Go's runtime already owns fork/exec (via os/exec, built on
// syscall.ForkExec), so this package does not hand-roll process creation;
// it composes os/exec the way stevedores-org-local-ci/remote.go and the
// msolo/git-mg git-sync reference do — argv slices built in Go, never a
// single shell string — and adds the line-oriented callback streaming and
// exit-code semantics on top.
package procexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/emlix/e2cache/internal/core/errs"
	"github.com/emlix/e2cache/internal/core/sigctl"
)

// OnLine is called once per complete line read from a child's merged
// stdout+stderr stream, in arrival order. Returning a non-nil error aborts
// the command: the child is signaled and the error is propagated to the
// caller of CaptureCommand/PipeCommands.
type OnLine func(line string) error

// Result is the outcome of running one child process.
type Result struct {
	ExitCode int  // process exit code, or 128+signo if signal-terminated
	Signaled bool // true if the child was terminated by a signal
	Signal   int  // signal number, valid only if Signaled
}

// Success reports whether the child exited normally with status 0.
func (r Result) Success() bool { return !r.Signaled && r.ExitCode == 0 }

// CaptureCommand runs argv[0] with argv[1:], merges stdout and stderr into a
// single line stream delivered to onLine in arrival order, and waits for
// completion. stdin is always /dev/null. If cwd is non-empty the child runs
// with that working directory.
//
// A line with no trailing '\n' at process exit (a partial final line) is
// still delivered to onLine: the final partial is retained on close.
func CaptureCommand(ctx context.Context, argv []string, onLine OnLine, cwd string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errs.New("procexec: empty argv").Ecset(errs.EInternal)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return Result{}, errs.New("procexec: open %s: %v", os.DevNull, err)
	}
	defer devnull.Close()
	cmd.Stdin = devnull

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return Result{}, errs.New("procexec: start %s: %v", argv[0], err).Ecset(errs.EToolFail)
	}

	readErrCh := make(chan error, 1)
	go func() {
		err := streamLines(pr, onLine)
		if err != nil {
			// Kill the child and keep draining so it is not left blocked
			// writing into a pipe nobody reads.
			cancel()
			io.Copy(io.Discard, pr) //nolint:errcheck
		}
		readErrCh <- err
	}()

	waitErr := cmd.Wait()
	pw.Close()
	streamErr := <-readErrCh

	res := decodeWaitError(waitErr)

	if sigctl.Interrupted() {
		return res, errs.New("procexec: interrupted running %s", strings.Join(argv, " ")).Ecset(errs.EInterrupt)
	}
	if streamErr != nil {
		return res, errs.New("procexec: %s: %v", argv[0], streamErr)
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return res, errs.New("procexec: wait %s: %v", argv[0], waitErr).Ecset(errs.EToolFail)
		}
	}
	return res, nil
}

// streamLines reads r to EOF, splitting on '\n' and invoking onLine for each
// complete line (and for a final partial line with no trailing newline). It
// also checks sigctl.Interrupted() between lines so a long-running consumer
// notices cancellation at the next suspension point.
func streamLines(r io.Reader, onLine OnLine) error {
	if onLine == nil {
		_, err := io.Copy(io.Discard, r)
		return err
	}
	br := bufio.NewReader(r)
	for {
		if sigctl.Interrupted() {
			io.Copy(io.Discard, br) //nolint:errcheck
			return errs.New("procexec: interrupted").Ecset(errs.EInterrupt)
		}
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if cbErr := onLine(strings.TrimSuffix(line, "\n")); cbErr != nil {
				return cbErr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// decodeWaitError turns cmd.Wait()'s error (or nil) into a Result, applying
// the POSIX "128+signo" convention for signal-terminated children.
func decodeWaitError(waitErr error) Result {
	if waitErr == nil {
		return Result{ExitCode: 0}
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return Result{ExitCode: -1}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := int(ws.Signal())
		return Result{ExitCode: 128 + sig, Signaled: true, Signal: sig}
	}
	return Result{ExitCode: exitErr.ExitCode()}
}

// LineCollector retains the last few lines collected from a command's
// merged output, for embedding in a ToolFail error.
type LineCollector struct {
	lines []string
	max   int
}

// NewLineCollector returns a collector retaining at most max trailing lines.
func NewLineCollector(max int) *LineCollector {
	return &LineCollector{max: max}
}

// OnLine is an OnLine callback that records the line for later error
// composition; callers typically use it to log and record in one pass.
func (c *LineCollector) OnLine(line string) error {
	c.lines = append(c.lines, line)
	if len(c.lines) > c.max {
		c.lines = c.lines[len(c.lines)-c.max:]
	}
	return nil
}

// Lines returns the retained trailing lines, joined with "\n".
func (c *LineCollector) Lines() string {
	return strings.Join(c.lines, "\n")
}

// Stage is one command in a PipeCommands pipeline.
type Stage struct {
	Argv []string
	Cwd  string
}

// PipeResult is the outcome of one pipeline, one Result per stage in order.
type PipeResult struct {
	Stages []Result
}

// FirstNonZero returns the index and Result of the first stage that didn't
// exit 0, or (-1, Result{}) if every stage succeeded.
func (p PipeResult) FirstNonZero() (int, Result) {
	for i, r := range p.Stages {
		if !r.Success() {
			return i, r
		}
	}
	return -1, Result{}
}

// PipeCommands chains len(stages) processes with pipes: each child's stdin
// is the previous child's stdout. stderr of every stage is poll-merged
// line-by-line through onLine, with each line prefixed by the stage's
// index so callers can tell stages apart; line order across stages is
// undefined but preserved within a stage.
func PipeCommands(ctx context.Context, stages []Stage, onLine OnLine) (PipeResult, error) {
	if len(stages) == 0 {
		return PipeResult{}, errs.New("procexec: empty pipeline").Ecset(errs.EInternal)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmds := make([]*exec.Cmd, len(stages))
	// stdoutClosers[i]/stderrClosers[i] are stage i's own pipe write-ends.
	// Each must close the instant stage i's process exits, not when the
	// whole pipeline finishes: the next stage's stdin (for stdoutClosers)
	// and that stage's stderr reader goroutine (for stderrClosers) both
	// block on EOF, which a io.Pipe only delivers once its writer is
	// closed — Cmd.Wait does not close a non-*os.File Stdout/Stderr for us.
	stdoutClosers := make([]io.Closer, len(stages))
	stderrClosers := make([]io.Closer, len(stages))
	var prevOut io.ReadCloser
	defer func() {
		for _, c := range stdoutClosers {
			if c != nil {
				c.Close()
			}
		}
		for _, c := range stderrClosers {
			if c != nil {
				c.Close()
			}
		}
	}()

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return PipeResult{}, errs.New("procexec: open %s: %v", os.DevNull, err)
	}
	defer devnull.Close()

	errReaders := make([]io.Reader, len(stages))
	for i, st := range stages {
		if len(st.Argv) == 0 {
			return PipeResult{}, errs.New("procexec: pipeline stage %d: empty argv", i).Ecset(errs.EInternal)
		}
		cmd := exec.CommandContext(ctx, st.Argv[0], st.Argv[1:]...)
		if st.Cwd != "" {
			cmd.Dir = st.Cwd
		}
		if i == 0 {
			cmd.Stdin = devnull
		} else {
			cmd.Stdin = prevOut
		}

		stderrR, stderrW := io.Pipe()
		cmd.Stderr = stderrW
		errReaders[i] = stderrR
		stderrClosers[i] = stderrW

		if i < len(stages)-1 {
			stdoutR, stdoutW := io.Pipe()
			cmd.Stdout = stdoutW
			prevOut = stdoutR
			stdoutClosers[i] = stdoutW
		} else {
			outR, outW := io.Pipe()
			cmd.Stdout = outW
			errReaders = append(errReaders, outR)
			stdoutClosers[i] = outW
		}
		cmds[i] = cmd
	}

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			return PipeResult{}, errs.New("procexec: pipeline stage %d start %s: %v", i, stages[i].Argv[0], err).Ecset(errs.EToolFail)
		}
	}

	streamErrCh := make(chan error, len(errReaders))
	for i, r := range errReaders {
		idx := i
		go func() {
			err := streamLines(r, func(line string) error {
				if onLine == nil {
					return nil
				}
				label := "stdout"
				if idx < len(stages) {
					label = fmt.Sprintf("stage[%d]", idx)
				}
				return onLine(fmt.Sprintf("%s: %s", label, line))
			})
			if err != nil {
				cancel()
				io.Copy(io.Discard, r) //nolint:errcheck
			}
			streamErrCh <- err
		}()
	}

	results := make([]Result, len(cmds))
	var waitErr error
	for i, cmd := range cmds {
		werr := cmd.Wait()
		results[i] = decodeWaitError(werr)
		if werr != nil {
			if _, ok := werr.(*exec.ExitError); !ok && waitErr == nil {
				waitErr = werr
			}
		}
		// Closing this stage's own write-ends, now that it has exited, lets
		// the next stage's stdin and this stage's stderr reader goroutine
		// observe EOF instead of blocking on a pipe nothing will ever close.
		if stdoutClosers[i] != nil {
			stdoutClosers[i].Close()
		}
		if stderrClosers[i] != nil {
			stderrClosers[i].Close()
		}
	}

	var streamErr error
	for range errReaders {
		if err := <-streamErrCh; err != nil && streamErr == nil {
			streamErr = err
		}
	}

	pr := PipeResult{Stages: results}
	if sigctl.Interrupted() {
		return pr, errs.New("procexec: pipeline interrupted").Ecset(errs.EInterrupt)
	}
	if waitErr != nil {
		return pr, errs.New("procexec: pipeline: %v", waitErr).Ecset(errs.EToolFail)
	}
	if streamErr != nil {
		return pr, errs.New("procexec: pipeline: %v", streamErr)
	}
	return pr, nil
}
