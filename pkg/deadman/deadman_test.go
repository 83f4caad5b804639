package deadman

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPingSendsStatus(t *testing.T) {
	var gotStatus string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStatus = r.URL.Query().Get("status")
	}))
	defer server.Close()

	p := Pinger{URL: server.URL}
	if err := p.Ping(context.Background(), StatusBackupExists); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if gotStatus != StatusBackupExists {
		t.Fatalf("status = %q, want %q", gotStatus, StatusBackupExists)
	}
}

func TestPingDisabledWithoutURL(t *testing.T) {
	if err := (Pinger{}).Ping(context.Background(), StatusSuccess); err != nil {
		t.Fatalf("Ping() with empty URL should be a no-op, got %v", err)
	}
}

func TestPingReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	if err := (Pinger{URL: server.URL}).Ping(context.Background(), StatusFailure); err == nil {
		t.Fatal("Ping() expected error on 4xx response")
	}
}

func TestPingReportsUnreachableEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	if err := (Pinger{URL: server.URL}).Ping(context.Background(), StatusSuccess); err == nil {
		t.Fatal("Ping() expected error for closed endpoint")
	}
}
