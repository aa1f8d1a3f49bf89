package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFactsClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42/facts" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rank": 5, "premium": true, "score": 1.5, "name": "kolya"}`))
	}))
	defer srv.Close()

	facts, err := NewFactsClient(srv.URL).Fetch(context.Background(), 42)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, ok := facts["rank"].(int64); !ok || got != 5 {
		t.Fatalf("rank = %v (%T), want int64 5", facts["rank"], facts["rank"])
	}
	if got, ok := facts["score"].(float64); !ok || got != 1.5 {
		t.Fatalf("score = %v, want 1.5", facts["score"])
	}
	if got, ok := facts["premium"].(bool); !ok || !got {
		t.Fatalf("premium = %v, want true", facts["premium"])
	}
	if got, ok := facts["name"].(string); !ok || got != "kolya" {
		t.Fatalf("name = %v, want kolya", facts["name"])
	}
}

func TestFactsClientBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewFactsClient(srv.URL).Fetch(context.Background(), 1); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestRolesClient(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewRolesClient(srv.URL)
	if err := c.AddRole(context.Background(), 10, 42, 7); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/scopes/10/users/42/roles/7" {
		t.Fatalf("got %s %s", gotMethod, gotPath)
	}
	if err := c.RemoveRole(context.Background(), 10, 42, 7); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("method = %s, want DELETE", gotMethod)
	}
}
