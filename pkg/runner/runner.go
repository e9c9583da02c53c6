// Package runner executes shell commands for the orchestrator: VCS
// operations, repo indexing, and backend build tools. Commands run either
// directly on the host or inside a container image with bind mounts.
//
// Cancellation is cooperative: on context cancellation the child receives
// SIGTERM and, after a grace period, SIGKILL.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod is how long a cancelled child may run after SIGTERM
// before it is killed.
const DefaultGracePeriod = 10 * time.Second

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q failed with exit code %d", e.Cmd, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Shell runs bash commands in a working directory, optionally inside a
// container image. The zero value is not usable; construct with New.
//
// Shell values are cheap and copied by the With* methods, so a configured
// Shell is safe to share across goroutines.
type Shell struct {
	workDir string
	image   string
	mounts  []string
	network bool
	grace   time.Duration
	logger  *zap.Logger
}

// New returns a Shell rooted at workDir running directly on the host.
func New(workDir string, logger *zap.Logger) Shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Shell{workDir: workDir, network: true, grace: DefaultGracePeriod, logger: logger}
}

// WithImage returns a copy that runs commands inside the given container
// image, with the working directory bind-mounted at the same path.
func (s Shell) WithImage(image string) Shell {
	s.image = image
	return s
}

// WithMount returns a copy with an extra host:container bind mount.
func (s Shell) WithMount(hostPath, containerPath string) Shell {
	mounts := make([]string, len(s.mounts), len(s.mounts)+1)
	copy(mounts, s.mounts)
	s.mounts = append(mounts, hostPath+":"+containerPath)
	return s
}

// WithNetwork returns a copy with container networking enabled or disabled.
func (s Shell) WithNetwork(enabled bool) Shell {
	s.network = enabled
	return s
}

// WithGracePeriod returns a copy with the given SIGTERM-to-SIGKILL grace.
func (s Shell) WithGracePeriod(d time.Duration) Shell {
	s.grace = d
	return s
}

func (s Shell) command(ctx context.Context, script string) *exec.Cmd {
	var cmd *exec.Cmd
	if s.image != "" {
		args := []string{"run", "--rm"}
		if !s.network {
			args = append(args, "--network", "none")
		}
		args = append(args, "-v", s.workDir+":"+s.workDir)
		for _, m := range s.mounts {
			args = append(args, "-v", m)
		}
		args = append(args, "-w", s.workDir, s.image, "bash", "-c", script)
		cmd = exec.CommandContext(ctx, "docker", args...)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-c", script)
		cmd.Dir = s.workDir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.grace
	s.logger.Debug("exec", zap.String("cmd", script), zap.String("dir", s.workDir), zap.String("image", s.image))
	return cmd
}

// Run executes the script, streaming stdout at info level and stderr at
// debug level line by line. Returns an ExitError on non-zero exit.
func (s Shell) Run(ctx context.Context, script string) error {
	cmd := s.command(ctx, script)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout for %q: %w", script, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe stderr for %q: %w", script, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %q: %w", script, err)
	}

	var (
		wg       sync.WaitGroup
		tailMu   sync.Mutex
		errTail  []string
		tailSize = 20
	)
	logLines := func(r io.Reader, stderrStream bool) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if stderrStream {
				s.logger.Debug(line)
				tailMu.Lock()
				errTail = append(errTail, line)
				if len(errTail) > tailSize {
					errTail = errTail[len(errTail)-tailSize:]
				}
				tailMu.Unlock()
			} else {
				s.logger.Info(line)
			}
		}
	}
	wg.Add(2)
	go logLines(stdout, false)
	go logLines(stderr, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			tailMu.Lock()
			tail := strings.Join(errTail, "\n")
			tailMu.Unlock()
			return &ExitError{Cmd: script, Code: exitErr.ExitCode(), Stderr: tail}
		}
		return fmt.Errorf("wait for %q: %w", script, err)
	}
	return nil
}

// Output executes the script and returns its trimmed stdout. On non-zero
// exit the stderr is carried in the returned ExitError.
func (s Shell) Output(ctx context.Context, script string) (string, error) {
	res, err := s.Capture(ctx, script, "")
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ExitError{Cmd: script, Code: res.Code, Stderr: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Result is the captured outcome of a command that was allowed to fail.
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// Capture executes the script with the given stdin and captures both
// streams. A non-zero exit is reported in Result.Code, not as an error;
// the error is non-nil only when the command could not be run.
func (s Shell) Capture(ctx context.Context, script, stdin string) (*Result, error) {
	cmd := s.command(ctx, script)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := &Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("spawn %q: %w", script, err)
	}
	return res, nil
}

// Quote returns s single-quoted for safe interpolation into a bash script.
func Quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'`$\\&|;<>()*?[]#~%{}!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
