package httpexec

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

func TestClassifyStatusTable(t *testing.T) {
	cases := []struct {
		status   int
		wantType domain.ErrorType
		wantCode string
		wantOK   bool
	}{
		{http.StatusOK, "", "", true},
		{http.StatusBadRequest, domain.ErrTypeBadRequest, "HTTP_400", false},
		{http.StatusUnauthorized, domain.ErrTypePermanent, "HTTP_401", false},
		{http.StatusForbidden, domain.ErrTypePermanent, "HTTP_403", false},
		{http.StatusNotFound, domain.ErrTypePermanent, "HTTP_404", false},
		{http.StatusTooManyRequests, domain.ErrTypeTransientServer, "HTTP_429", false},
		{http.StatusInternalServerError, domain.ErrTypeTransientServer, "HTTP_500", false},
		{http.StatusBadGateway, domain.ErrTypeTransientServer, "HTTP_502", false},
		{http.StatusTeapot, domain.ErrTypePermanent, "HTTP_418", false},
	}
	for _, tc := range cases {
		typ, code, ok := classifyStatus(tc.status)
		if typ != tc.wantType || code != tc.wantCode || ok != tc.wantOK {
			t.Errorf("classifyStatus(%d) = (%q,%q,%v), want (%q,%q,%v)",
				tc.status, typ, code, ok, tc.wantType, tc.wantCode, tc.wantOK)
		}
	}
}

func TestIsConnectionClassError(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Err: errors.New("boom")}
	if !isConnectionClassError(dialErr) {
		t.Error("dial OpError should be connection-class")
	}
	if isConnectionClassError(errors.New("read timeout")) {
		t.Error("a bare non-net error must not be treated as connection-class")
	}
	if isConnectionClassError(nil) {
		t.Error("nil error must not be connection-class")
	}
}

func TestRunWithRetryStopsOnNonConnectionError(t *testing.T) {
	calls := 0
	err := runWithRetry(context.Background(), DefaultRetry(), func() error {
		calls++
		return errors.New("not connection class")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", calls)
	}
}

func TestRunWithRetryRetriesConnectionErrorsUpToMaxAttempts(t *testing.T) {
	calls := 0
	r := Retry{MaxAttempts: 3, BaseInterval: time.Millisecond, MaxElapsedTime: time.Second}
	err := runWithRetry(context.Background(), r, func() error {
		calls++
		return &net.OpError{Op: "dial", Err: errors.New("refused")}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRunWithRetrySucceedsAfterTransientConnectionError(t *testing.T) {
	calls := 0
	r := Retry{MaxAttempts: 3, BaseInterval: time.Millisecond, MaxElapsedTime: time.Second}
	err := runWithRetry(context.Background(), r, func() error {
		calls++
		if calls < 2 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}
