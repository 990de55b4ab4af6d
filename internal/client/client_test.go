package client

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

type fakeAdapter struct {
	mu      sync.Mutex
	results []domain.APIResult
	errs    []error
	calls   int
	token   string
	model   string
}

func (f *fakeAdapter) GetAPIToken() string                 { return f.token }
func (f *fakeAdapter) SetAPIToken(t string)                { f.token = t }
func (f *fakeAdapter) GetUsingModel() string                { return f.model }
func (f *fakeAdapter) GetModelList(context.Context) ([]domain.ModelInfo, error) { return nil, nil }

func (f *fakeAdapter) CreateChatCompletion(context.Context, domain.ChatRequest) (domain.APIResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return domain.APIResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return domain.Ok(map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "ok"}}}}), nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *fakeSink) Publish(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func okResult() domain.APIResult {
	return domain.Ok(map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "OK"}}}})
}

func TestChatSuccessTransitionsToAvailable(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{okResult()}}
	sink := &fakeSink{}
	c := New(Config{Name: "b1", Adapter: a, Sink: sink})
	c.SetStatus(domain.StatusError)

	res := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if res.ErrorKind != "" {
		t.Fatalf("expected success, got %+v", res)
	}
	if c.Status() != domain.StatusAvailable {
		t.Fatalf("status = %v, want AVAILABLE", c.Status())
	}
	if c.ErrorCount() != 0 {
		t.Fatalf("error count = %d, want 0", c.ErrorCount())
	}
}

func TestChatBadRequestDoesNotPunishBackend(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{
		domain.Fail(domain.ErrTypeBadRequest, "HTTP_400", "bad prompt"),
	}}
	c := New(Config{Name: "b1", Adapter: a})
	c.SetStatus(domain.StatusAvailable)

	res := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if res.ErrorType != domain.CallerErrorFatal {
		t.Fatalf("expected fatal caller error, got %v", res.ErrorType)
	}
	if c.Status() != domain.StatusAvailable {
		t.Fatalf("BAD_REQUEST must not change backend status, got %v", c.Status())
	}
	if c.ErrorCount() != 0 {
		t.Fatalf("BAD_REQUEST must not bump error count, got %d", c.ErrorCount())
	}
}

func TestChatTransientServerMarksError(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{
		domain.Fail(domain.ErrTypeTransientServer, "HTTP_503", "upstream down"),
	}}
	c := New(Config{Name: "b1", Adapter: a})
	c.SetStatus(domain.StatusAvailable)

	c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if c.Status() != domain.StatusError {
		t.Fatalf("status = %v, want ERROR", c.Status())
	}
	if c.ErrorCount() != 1 {
		t.Fatalf("error count = %d, want 1", c.ErrorCount())
	}
}

func TestChatPermanentMarksUnavailable(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{
		domain.Fail(domain.ErrTypePermanent, "HTTP_401", "bad token"),
	}}
	c := New(Config{Name: "b1", Adapter: a})
	c.SetStatus(domain.StatusAvailable)

	c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if c.Status() != domain.StatusUnavailable {
		t.Fatalf("status = %v, want UNAVAILABLE", c.Status())
	}
	if c.ErrorCount() != 1 {
		t.Fatalf("PERMANENT errors must bump error count, got %d", c.ErrorCount())
	}
}

func TestChatEmptyChoicesMarksRecoverableError(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{
		domain.Ok(map[string]any{"choices": []any{}}),
	}}
	c := New(Config{Name: "b1", Adapter: a})
	c.SetStatus(domain.StatusAvailable)

	res := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if res.ErrorKind != domain.CallerErrEmptyResponse {
		t.Fatalf("expected empty_response, got %+v", res)
	}
	if c.Status() != domain.StatusError {
		t.Fatalf("an empty-choices response must be recoverable (ERROR), not UNAVAILABLE; got %v", c.Status())
	}
	if c.ErrorCount() != 1 {
		t.Fatalf("error count = %d, want 1", c.ErrorCount())
	}
}

func TestComplainErrorBumpsCountAndMarksError(t *testing.T) {
	c := New(Config{Name: "b1", Adapter: &fakeAdapter{}})
	c.SetStatus(domain.StatusAvailable)

	c.ComplainError("downstream validator rejected the content")
	if c.Status() != domain.StatusError {
		t.Fatalf("status = %v, want ERROR", c.Status())
	}
	if c.ErrorCount() != 1 {
		t.Fatalf("error count = %d, want 1", c.ErrorCount())
	}
}

func TestChatRejectsWhenUnavailable(t *testing.T) {
	a := &fakeAdapter{}
	c := New(Config{Name: "b1", Adapter: a})
	c.SetStatus(domain.StatusUnavailable)

	res := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if res.ErrorKind != domain.CallerErrClientUnavailable {
		t.Fatalf("expected client_unavailable, got %+v", res)
	}
	if a.calls != 0 {
		t.Fatal("adapter must not be called when client is UNAVAILABLE")
	}
}

func TestChatRejectsWhenBusy(t *testing.T) {
	a := &fakeAdapter{}
	c := New(Config{Name: "b1", Adapter: a})
	c.inUse = true

	res := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if res.ErrorKind != domain.CallerErrClientBusy {
		t.Fatalf("expected client_busy, got %+v", res)
	}
}

func TestSelfTestSuccessMarksAvailable(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{okResult()}}
	c := New(Config{Name: "b1", Adapter: a})

	if err := c.SelfTest(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status() != domain.StatusAvailable {
		t.Fatalf("status = %v, want AVAILABLE", c.Status())
	}
}

func TestSelfTestAdapterErrorMarksUnavailable(t *testing.T) {
	// SelfTest now runs through Chat, so an adapter-level Go error takes the
	// same "exception crossing the boundary" path as a normal chat call:
	// PERMANENT/UNAVAILABLE, not a bare ERROR.
	a := &fakeAdapter{errs: []error{fmt.Errorf("boom")}}
	c := New(Config{Name: "b1", Adapter: a})

	if err := c.SelfTest(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.Status() != domain.StatusUnavailable {
		t.Fatalf("status = %v, want UNAVAILABLE", c.Status())
	}
}

func TestSelfTestWrongContentMarksRecoverableError(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{
		domain.Ok(map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "not the expected word"}}}}),
	}}
	c := New(Config{Name: "b1", Adapter: a})
	c.SetStatus(domain.StatusAvailable)

	if err := c.SelfTest(context.Background()); err == nil {
		t.Fatal("expected error for a response missing the 'OK' substring")
	}
	if c.Status() != domain.StatusError {
		t.Fatalf("status = %v, want ERROR", c.Status())
	}
}

func TestSelfTestSkipsAdapterWhenUnavailable(t *testing.T) {
	a := &fakeAdapter{results: []domain.APIResult{okResult()}}
	c := New(Config{Name: "b1", Adapter: a})
	c.SetStatus(domain.StatusUnavailable)

	if err := c.SelfTest(context.Background()); err == nil {
		t.Fatal("expected an error for a self-test against an UNAVAILABLE client")
	}
	if a.calls != 0 {
		t.Fatal("self-test on an UNAVAILABLE client must not reach the adapter")
	}
}

type panickingAdapter struct{}

func (panickingAdapter) GetAPIToken() string  { return "" }
func (panickingAdapter) SetAPIToken(string)   {}
func (panickingAdapter) GetUsingModel() string { return "" }
func (panickingAdapter) GetModelList(context.Context) ([]domain.ModelInfo, error) { return nil, nil }
func (panickingAdapter) CreateChatCompletion(context.Context, domain.ChatRequest) (domain.APIResult, error) {
	panic("adapter blew up")
}

func TestChatRecoversFromAdapterPanic(t *testing.T) {
	c := New(Config{Name: "b1", Adapter: panickingAdapter{}})
	c.SetStatus(domain.StatusAvailable)

	res := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	if res.ErrorKind != domain.CallerErrInternalException || res.ErrorType != domain.CallerErrorFatal {
		t.Fatalf("expected a fatal internal_exception result, got %+v", res)
	}
	if c.InUse() {
		t.Fatal("inUse must be cleared even after a panic")
	}
	if c.Status() != domain.StatusUnavailable {
		t.Fatalf("status = %v, want UNAVAILABLE after a recovered panic", c.Status())
	}
}

func TestAcquireReleaseIndependentOfInUse(t *testing.T) {
	c := New(Config{Name: "b1", Adapter: &fakeAdapter{}})
	c.Acquire()
	if !c.Acquired() {
		t.Fatal("expected Acquired() true")
	}
	if c.InUse() {
		t.Fatal("Acquire must not set InUse")
	}
	c.Release()
	if c.Acquired() {
		t.Fatal("expected Acquired() false after Release")
	}
}
