// Package execx runs external tools (etcdctl, etcdutl, systemctl) and
// returns structured results instead of raw output strings. Callers
// branch on exit codes and parsed output, never on log text.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a command when the caller does not set one.
const DefaultTimeout = 15 * time.Minute

// Command describes a single external invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result carries the structured outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Ok reports whether the command exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Runner executes commands. The local implementation runs on this host;
// the SSH runner targets a remote node. Tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Local runs commands on the current host.
type Local struct{}

// Run executes cmd, enforcing its timeout. A non-zero exit is reported
// through Result.ExitCode with a nil error; the error return is reserved
// for failures to start, timeouts, and context cancellation.
func (Local) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Path == "" {
		return Result{}, errors.New("command path is required")
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	execCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		execCmd.Env = cmd.Env
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("command %s timed out after %s", cmd.Path, timeout)
		}
		return result, fmt.Errorf("run %s: %w", cmd.Path, err)
	}
	return result, nil
}

// SSH wraps another runner and rewrites commands to execute on a remote
// host via the ssh binary. Used by the restore orchestrator to fan out
// per-node work.
type SSH struct {
	Host    string
	User    string
	KeyPath string
	Inner   Runner
}

// Run rewrites cmd into an ssh invocation against the configured host.
func (s SSH) Run(ctx context.Context, cmd Command) (Result, error) {
	if s.Host == "" {
		return Result{}, errors.New("ssh host is required")
	}
	inner := s.Inner
	if inner == nil {
		inner = Local{}
	}

	target := s.Host
	if s.User != "" {
		target = s.User + "@" + s.Host
	}

	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if s.KeyPath != "" {
		args = append(args, "-i", s.KeyPath)
	}
	args = append(args, target, remoteCommandLine(cmd))

	return inner.Run(ctx, Command{
		Path:    "ssh",
		Args:    args,
		Timeout: cmd.Timeout,
	})
}

func remoteCommandLine(cmd Command) string {
	parts := make([]string, 0, len(cmd.Args)+1)
	parts = append(parts, shellQuote(cmd.Path))
	for _, arg := range cmd.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$&|;<>()*?[]#~`!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
