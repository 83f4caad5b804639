package execx

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLocalRunCapturesOutput(t *testing.T) {
	res, err := Local{}.Run(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Ok() {
		t.Fatalf("Run() exit code = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestLocalRunNonZeroExit(t *testing.T) {
	res, err := Local{}.Run(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Ok() {
		t.Fatal("Ok() = true for non-zero exit")
	}
}

func TestLocalRunTimeout(t *testing.T) {
	_, err := Local{}.Run(context.Background(), Command{
		Path:    "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("Run() expected timeout error")
	}
}

func TestLocalRunRequiresPath(t *testing.T) {
	if _, err := (Local{}).Run(context.Background(), Command{}); err == nil {
		t.Fatal("Run() expected error for empty path")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "etcdctl", want: "etcdctl"},
		{name: "empty", input: "", want: "''"},
		{name: "space", input: "a b", want: "'a b'"},
		{name: "single quote", input: "it's", want: `'it'\''s'`},
		{name: "glob", input: "/var/lib/etcd/etcd-*", want: "'/var/lib/etcd/etcd-*'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellQuote(tt.input); got != tt.want {
				t.Fatalf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

type recordingRunner struct {
	last Command
}

func (r *recordingRunner) Run(_ context.Context, cmd Command) (Result, error) {
	r.last = cmd
	return Result{}, nil
}

func TestSSHRewritesCommand(t *testing.T) {
	rec := &recordingRunner{}
	ssh := SSH{Host: "node-1.internal", User: "root", KeyPath: "/etc/backup/id_ed25519", Inner: rec}

	_, err := ssh.Run(context.Background(), Command{
		Path: "systemctl",
		Args: []string{"stop", "etcd.service"},
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if rec.last.Path != "ssh" {
		t.Fatalf("path = %q, want ssh", rec.last.Path)
	}
	joined := strings.Join(rec.last.Args, " ")
	if !strings.Contains(joined, "root@node-1.internal") {
		t.Fatalf("args missing target: %v", rec.last.Args)
	}
	if !strings.Contains(joined, "systemctl stop etcd.service") {
		t.Fatalf("args missing remote command: %v", rec.last.Args)
	}
}
