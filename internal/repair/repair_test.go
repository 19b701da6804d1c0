package repair

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRepairer(t *testing.T, handler http.Handler) *HTTPRepairer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r, err := NewHTTP(HTTPOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	return r
}

func TestRepairSuccess(t *testing.T) {
	t.Parallel()

	fixed := `{"schema_version":"plan.v1","host_app":"writer","actions":[{"op":"upsert_named_block","name":"s","content":{}}]}`
	r := newRepairer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/v1/plans/repair" {
			t.Errorf("path = %q", req.URL.Path)
		}
		var in repairRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		if in.ErrorType != "plan_exec_failed" || in.Attempt != 1 {
			t.Errorf("request = %+v", in)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "plan": fixed})
	}))

	res, err := r.Repair(context.Background(), `{"schema_version":"plan.v1"}`, "plan_exec_failed", "boom", 1)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if !res.Success || res.Plan != fixed {
		t.Fatalf("result = %+v", res)
	}
}

func TestRepairDeclined(t *testing.T) {
	t.Parallel()

	r := newRepairer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]string{"code": "unrepairable", "message": "plan is beyond repair"},
		})
	}))

	res, err := r.Repair(context.Background(), `{"schema_version":"plan.v1"}`, "plan_exec_failed", "boom", 2)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if res.Success || res.Error != "plan is beyond repair" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRepairSuccessWithoutPlanIsAnError(t *testing.T) {
	t.Parallel()

	r := newRepairer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))

	if _, err := r.Repair(context.Background(), `{"schema_version":"plan.v1"}`, "plan_exec_failed", "boom", 1); err == nil {
		t.Fatal("expected error for success without a plan")
	}
}

func TestRepairServerError(t *testing.T) {
	t.Parallel()

	r := newRepairer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	if _, err := r.Repair(context.Background(), `{"schema_version":"plan.v1"}`, "plan_exec_failed", "boom", 1); err == nil {
		t.Fatal("expected error from 503 response")
	}
}
