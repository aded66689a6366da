package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeatSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/api/webhooks/agent/heartbeat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	if err := c.Heartbeat(context.Background(), "run-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPostJSONRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	if err := c.Heartbeat(context.Background(), "run-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPostJSONFailsFastOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	if err := c.Heartbeat(context.Background(), "run-1"); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
}

func TestPrepareExistingSkipsUploads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := PrepareResponse{VersionID: "v-1", Existing: true}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	resp, err := c.Prepare(context.Background(), PrepareRequest{StorageName: "main", RunID: "run-1"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !resp.Existing || resp.VersionID != "v-1" || resp.Uploads != nil {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestCommitFailureSurfacesCheckpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"success": false})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	err := c.Commit(context.Background(), CommitRequest{StorageName: "main", VersionID: "v-1", RunID: "run-1"})
	if err == nil {
		t.Fatal("expected commit failure")
	}
}

func TestCompletePostsExitCodeAndError(t *testing.T) {
	var got CompleteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/webhooks/agent/complete" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	req := CompleteRequest{RunID: "run-1", ExitCode: 1, Error: "agent exited with code 1"}
	if err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestPutPresignedSetsContentType(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New("http://unused", "tok", time.Second)
	if err := c.PutPresigned(context.Background(), srv.URL, []byte("data"), "application/gzip"); err != nil {
		t.Fatalf("PutPresigned: %v", err)
	}
	if gotType != "application/gzip" {
		t.Fatalf("Content-Type = %q, want application/gzip", gotType)
	}
}
