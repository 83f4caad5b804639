package backup

import (
	"testing"
	"time"

	"etcdsafe/pkg/envelope"
)

func TestObjectLocation(t *testing.T) {
	at := time.Date(2026, 3, 7, 14, 30, 5, 0, time.UTC)

	tests := []struct {
		name        string
		prefix      string
		offline     bool
		method      envelope.Method
		wantKey     string
		wantSidecar string
		wantName    string
	}{
		{
			name:        "kms online",
			prefix:      "etcd-backups",
			method:      envelope.MethodKMS,
			wantKey:     "etcd-backups/prod/2026/03/prod-2026-03-07_14-30-05-snapshot.db.kms",
			wantSidecar: "etcd-backups/prod/2026/03/prod-2026-03-07_14-30-05-snapshot.db.kms.sha256",
			wantName:    "prod-2026-03-07_14-30-05-snapshot.db",
		},
		{
			name:     "symmetric offline",
			prefix:   "etcd-backups",
			offline:  true,
			method:   envelope.MethodSymmetric,
			wantKey:  "etcd-backups/prod/2026/03/prod-2026-03-07_14-30-05-offline-snapshot.db.enc",
			wantName: "prod-2026-03-07_14-30-05-offline-snapshot.db",
		},
		{
			name:     "none, prefix with slashes",
			prefix:   "/team/etcd-backups/",
			method:   envelope.MethodNone,
			wantKey:  "team/etcd-backups/prod/2026/03/prod-2026-03-07_14-30-05-snapshot.db",
			wantName: "prod-2026-03-07_14-30-05-snapshot.db",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			loc := ObjectLocation(tc.prefix, "prod", at, tc.offline, tc.method)
			if loc.Key != tc.wantKey {
				t.Errorf("Key = %q, want %q", loc.Key, tc.wantKey)
			}
			if tc.wantSidecar != "" && loc.SidecarKey != tc.wantSidecar {
				t.Errorf("SidecarKey = %q, want %q", loc.SidecarKey, tc.wantSidecar)
			}
			if loc.Name != tc.wantName {
				t.Errorf("Name = %q, want %q", loc.Name, tc.wantName)
			}
		})
	}
}

func TestLatestLocation(t *testing.T) {
	loc := LatestLocation("etcd-backups", "prod", envelope.MethodKMS)
	if got, want := loc.Key, "etcd-backups/prod/latest-snapshot.db.kms"; got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
	// The sidecar records the plaintext digest, so it never carries the
	// method extension.
	if got, want := loc.SidecarKey, "etcd-backups/prod/latest-snapshot.db.sha256"; got != want {
		t.Errorf("SidecarKey = %q, want %q", got, want)
	}
}
