package spkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Executor runs external tools for one build. Output goes to Stdout and
// Stderr (normally the build log tee), and every child gets its own
// process group so cancellation kills the whole subtree.
type Executor struct {
	Context context.Context // The context to use for cancellation
	Stdout  io.Writer
	Stderr  io.Writer
}

func NewExecutor(ctx context.Context, stdout, stderr io.Writer) *Executor {
	return &Executor{Context: ctx, Stdout: stdout, Stderr: stderr}
}

// Run executes cmd and waits for it. The returned error names the command.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	if cmd.Stdout == nil {
		cmd.Stdout = e.stdout()
	}
	if cmd.Stderr == nil {
		cmd.Stderr = e.stderr()
	}

	// --- Phase 1: build the final command under our context ---
	finalCmd := exec.CommandContext(e.Context, cmd.Path, cmd.Args[1:]...)
	finalCmd.Dir = cmd.Dir
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// preserve or inherit the environment
	finalCmd.Env = cmd.Env
	if len(finalCmd.Env) == 0 {
		finalCmd.Env = os.Environ()
	}

	// --- Phase 2: isolate process group for context-based cleanup ---
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	debugf("exec: %s (dir %s)\n", strings.Join(cmd.Args, " "), cmd.Dir)

	// --- Phase 3: start and watch for cancel ---
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Args[0], err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 4: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("%s aborted: %v", cmd.Args[0], e.Context.Err())
		}
		return fmt.Errorf("%s: %w", strings.Join(cmd.Args, " "), waitErr)
	}
	return nil
}

func (e *Executor) stdout() io.Writer {
	if e.Stdout == nil {
		return os.Stdout
	}
	return e.Stdout
}

func (e *Executor) stderr() io.Writer {
	if e.Stderr == nil {
		return os.Stderr
	}
	return e.Stderr
}
