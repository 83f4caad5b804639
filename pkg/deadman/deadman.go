// Package deadman sends best-effort liveness pings to an external
// monitoring endpoint so silently-stopped backup schedules get noticed.
// Ping failures are reported to the caller for logging only and must
// never fail a backup or restore run.
package deadman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Statuses reported with each ping.
const (
	StatusSuccess          = "success"
	StatusFailure          = "failure"
	StatusClusterUnhealthy = "cluster-unhealthy"
	StatusBackupExists     = "backup-exists"
	StatusNoChanges        = "no-changes"
)

// Pinger issues liveness pings. A zero URL disables pinging.
type Pinger struct {
	URL    string
	Client *http.Client
}

// Ping notifies the monitoring endpoint with the given status. Returns
// an error only so the caller can log it; the caller must not escalate.
func (p Pinger) Ping(ctx context.Context, status string) error {
	if p.URL == "" {
		return nil
	}
	if status == "" {
		return errors.New("status is required")
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	target := fmt.Sprintf("%s?status=%s", p.URL, url.QueryEscape(status))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ping %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// Enabled reports whether a ping URL is configured.
func (p Pinger) Enabled() bool { return p.URL != "" }
