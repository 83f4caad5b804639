package backup

import (
	"context"
	"errors"
	"testing"

	"etcdsafe/pkg/execx"
)

// scriptRunner replays canned results keyed by the binary name.
type scriptRunner struct {
	results map[string]execx.Result
	errs    map[string]error
	calls   []execx.Command
}

func (s *scriptRunner) Run(_ context.Context, cmd execx.Command) (execx.Result, error) {
	s.calls = append(s.calls, cmd)
	if err := s.errs[cmd.Path]; err != nil {
		return execx.Result{}, err
	}
	return s.results[cmd.Path], nil
}

func testCLI(runner execx.Runner) *EtcdCLI {
	return &EtcdCLI{
		Config: EtcdConfig{Endpoints: []string{"https://10.0.0.1:2379"}},
		Runner: runner,
	}
}

func TestEtcdCLIHealthy(t *testing.T) {
	tests := []struct {
		name   string
		result execx.Result
		err    error
		want   bool
	}{
		{name: "healthy", result: execx.Result{ExitCode: 0}, want: true},
		{name: "unhealthy exit", result: execx.Result{ExitCode: 1}, want: false},
		{name: "runner error", err: errors.New("etcdctl: not found"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &scriptRunner{
				results: map[string]execx.Result{"etcdctl": tc.result},
				errs:    map[string]error{},
			}
			if tc.err != nil {
				runner.errs["etcdctl"] = tc.err
			}
			if got := testCLI(runner).Healthy(context.Background()); got != tc.want {
				t.Errorf("Healthy = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestEtcdCLISnapshotStatus(t *testing.T) {
	runner := &scriptRunner{
		results: map[string]execx.Result{
			"etcdutl": {ExitCode: 0, Stdout: `{"hash":3273344,"revision":921,"totalKey":112,"totalSize":2162688}`},
		},
		errs: map[string]error{},
	}

	status, err := testCLI(runner).SnapshotStatus(context.Background(), "/tmp/snap.db")
	if err != nil {
		t.Fatalf("SnapshotStatus: %v", err)
	}
	if status.Revision != 921 || status.TotalKey != 112 || status.TotalSize != 2162688 {
		t.Errorf("parsed status = %+v", status)
	}
}

func TestEtcdCLISnapshotStatusInvalid(t *testing.T) {
	tests := []struct {
		name   string
		result execx.Result
	}{
		{name: "non-zero exit", result: execx.Result{ExitCode: 1, Stderr: "snapshot file integrity check failed"}},
		{name: "garbage output", result: execx.Result{ExitCode: 0, Stdout: "not json"}},
		{name: "zero size", result: execx.Result{ExitCode: 0, Stdout: `{"hash":1,"revision":1,"totalKey":0,"totalSize":0}`}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &scriptRunner{
				results: map[string]execx.Result{"etcdutl": tc.result},
				errs:    map[string]error{},
			}
			_, err := testCLI(runner).SnapshotStatus(context.Background(), "/tmp/snap.db")
			if !errors.Is(err, ErrSnapshotInvalid) {
				t.Errorf("err = %v, want ErrSnapshotInvalid", err)
			}
		})
	}
}

func TestEtcdCLIRevision(t *testing.T) {
	runner := &scriptRunner{
		results: map[string]execx.Result{
			"etcdctl": {ExitCode: 0, Stdout: `[{"Endpoint":"https://10.0.0.1:2379","Status":{"header":{"revision":4512}}}]`},
		},
		errs: map[string]error{},
	}

	rev, err := testCLI(runner).Revision(context.Background())
	if err != nil {
		t.Fatalf("Revision: %v", err)
	}
	if rev != 4512 {
		t.Errorf("revision = %d, want 4512", rev)
	}
}

func TestEtcdCLINoEndpoints(t *testing.T) {
	runner := &scriptRunner{
		results: map[string]execx.Result{"etcdctl": {ExitCode: 0}},
		errs:    map[string]error{},
	}
	cli := &EtcdCLI{Config: EtcdConfig{}, Runner: runner}
	ctx := context.Background()

	if cli.Healthy(ctx) {
		t.Error("Healthy = true with no endpoints configured")
	}
	if _, err := cli.Revision(ctx); err == nil {
		t.Error("Revision: expected error with no endpoints configured")
	}
	if err := cli.SnapshotSave(ctx, "/tmp/snap.db"); err == nil {
		t.Error("SnapshotSave: expected error with no endpoints configured")
	}
	if len(runner.calls) != 0 {
		t.Errorf("ran %d commands, want none", len(runner.calls))
	}
}

func TestEtcdCLIBinDir(t *testing.T) {
	runner := &scriptRunner{
		results: map[string]execx.Result{"/opt/etcd/bin/etcdctl": {ExitCode: 0}},
		errs:    map[string]error{},
	}
	cli := testCLI(runner)
	cli.Config.BinDir = "/opt/etcd/bin"

	cli.Healthy(context.Background())
	if len(runner.calls) != 1 || runner.calls[0].Path != "/opt/etcd/bin/etcdctl" {
		t.Errorf("calls = %+v, want path under /opt/etcd/bin", runner.calls)
	}
}
