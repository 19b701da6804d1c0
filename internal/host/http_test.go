package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pagemark/pagemark-agent/internal/docid"
)

func newBridge(t *testing.T, handler http.Handler) *HTTPBridge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := NewHTTPBridge(HTTPOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPBridge: %v", err)
	}
	return b
}

func TestActivate(t *testing.T) {
	t.Parallel()

	b := newBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/documents/activate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req activateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Identity.Path != "/home/u/doc.odt" {
			t.Errorf("identity = %+v", req.Identity)
		}
		json.NewEncoder(w).Encode(activateEnvelope{Success: true, Active: true})
	}))

	active, err := b.Activate(context.Background(), docid.Identity{HostApp: "writer", Path: "/home/u/doc.odt"})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !active {
		t.Fatal("document not active")
	}
}

func TestExecutePlanFailureIsAResult(t *testing.T) {
	t.Parallel()

	b := newBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(execEnvelope{Success: false, Message: "unknown block name"})
	}))

	res, err := b.ExecutePlan(context.Background(), `{"schema_version":"plan.v1"}`)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if res.Success || res.Message != "unknown block name" {
		t.Fatalf("result = %+v", res)
	}
}

func TestOpenDocuments(t *testing.T) {
	t.Parallel()

	docs := []docid.Identity{
		{HostApp: "writer", Path: "/home/u/a.odt", Name: "a.odt"},
		{HostApp: "writer", Name: "Untitled 1"},
	}
	b := newBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q", r.Method)
		}
		json.NewEncoder(w).Encode(openDocumentsEnvelope{Success: true, Documents: docs})
	}))

	got, err := b.OpenDocuments(context.Background())
	if err != nil {
		t.Fatalf("OpenDocuments: %v", err)
	}
	if len(got) != 2 || got[1].Name != "Untitled 1" {
		t.Fatalf("documents = %+v", got)
	}
}

func TestTransportErrorSurfaces(t *testing.T) {
	t.Parallel()

	b := newBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bridge restarting", http.StatusServiceUnavailable)
	}))

	if _, err := b.OpenDocuments(context.Background()); err == nil {
		t.Fatal("expected error from 503 response")
	}
}
