package openaicompat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
	"github.com/fairyhunter13/fleet-dispatch/internal/httpexec"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	core := httpexec.New(httpexec.DefaultTimeouts(), httpexec.HealthCheckTimeouts(), httpexec.DefaultRetry())
	c := New(core, srv.URL, "test-token", "gpt-test")
	return c, srv.Close
}

func TestCreateChatCompletionSuccess(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"OK"}}]}`))
	})
	defer closeFn()

	result, err := c.CreateChatCompletion(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Err)
	}
}

func TestCreateChatCompletionRejectsEmptyMessages(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for a malformed request")
	})
	defer closeFn()

	_, err := c.CreateChatCompletion(context.Background(), domain.ChatRequest{})
	if err == nil {
		t.Fatal("expected an error for an empty-messages request")
	}
}

func TestCreateChatCompletionBadRequestIsNotBackendFault(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad prompt"}`))
	})
	defer closeFn()

	result, err := c.CreateChatCompletion(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Err.Type != domain.ErrTypeBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %v", result.Err.Type)
	}
}
