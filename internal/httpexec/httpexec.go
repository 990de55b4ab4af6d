// Package httpexec is the HTTP Execution Core: a self-healing, retrying
// transport that turns any completed attempt group into a domain.APIResult
// and never lets a transport-level panic or unclassified error cross its
// boundary as anything other than an APIResult.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

// Timeouts configures the connect/read split the Core applies per call kind.
type Timeouts struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DefaultTimeouts matches spec §4.2's normal-call policy: 5s to connect, 300s
// to read the full response.
func DefaultTimeouts() Timeouts {
	return Timeouts{ConnectTimeout: 5 * time.Second, ReadTimeout: 300 * time.Second}
}

// HealthCheckTimeouts matches spec §4.2's tight health-check policy: 5s to
// connect, 5s to read.
func HealthCheckTimeouts() Timeouts {
	return Timeouts{ConnectTimeout: 5 * time.Second, ReadTimeout: 5 * time.Second}
}

// Retry bounds the bounded-retry policy applied to connection-class errors
// only (spec §4.2, §9 "consolidated retry helper").
type Retry struct {
	MaxAttempts    int
	BaseInterval   time.Duration
	MaxElapsedTime time.Duration
}

// DefaultRetry is 3 attempts, base interval 2s, capped at 30s elapsed.
func DefaultRetry() Retry {
	return Retry{MaxAttempts: 3, BaseInterval: 2 * time.Second, MaxElapsedTime: 30 * time.Second}
}

// Core is the shared HTTP execution engine a Backend Client's adapter sits
// on top of. It owns one *http.Client per Timeouts configuration and can
// rebuild its session asynchronously without blocking in-flight callers.
type Core struct {
	mu           sync.RWMutex
	normalClient *http.Client
	healthClient *http.Client

	normalTimeouts Timeouts
	healthTimeouts Timeouts
	retry          Retry

	rebuilding bool
}

// New constructs a Core with the given timeout policies and retry bounds.
func New(normal, health Timeouts, retry Retry) *Core {
	c := &Core{normalTimeouts: normal, healthTimeouts: health, retry: retry}
	c.normalClient = buildClient(normal)
	c.healthClient = buildClient(health)
	return c
}

func buildClient(t Timeouts) *http.Client {
	dialer := &net.Dialer{Timeout: t.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   t.ConnectTimeout + t.ReadTimeout,
	}
}

// clientFor returns the live *http.Client for the requested call kind.
func (c *Core) clientFor(healthCheck bool) *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if healthCheck {
		return c.healthClient
	}
	return c.normalClient
}

// RebuildSession asynchronously replaces both underlying clients. Callers in
// flight against the old client are unaffected; only calls issued after the
// swap observe the new one. Never blocks the caller.
func (c *Core) RebuildSession() {
	c.mu.Lock()
	if c.rebuilding {
		c.mu.Unlock()
		return
	}
	c.rebuilding = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.rebuilding = false
			c.mu.Unlock()
		}()
		newNormal := buildClient(c.normalTimeouts)
		newHealth := buildClient(c.healthTimeouts)
		c.mu.Lock()
		c.normalClient = newNormal
		c.healthClient = newHealth
		c.mu.Unlock()
	}()
}

// Do executes req, retrying only connection-class errors per the bounded
// retry policy, and translates the outcome into a domain.APIResult. It has
// no error return: request construction problems and recovered panics come
// back as a PERMANENT/UNEXPECTED_CLIENT_ERROR result.
func (c *Core) Do(ctx context.Context, method, url string, headers http.Header, body []byte, healthCheck bool) (out domain.APIResult) {
	defer func() {
		if r := recover(); r != nil {
			out = domain.Fail(domain.ErrTypePermanent, domain.CodeUnexpectedClientErr, fmt.Sprintf("panic: %v", r))
		}
	}()

	client := c.clientFor(healthCheck)

	var result domain.APIResult
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			result = domain.Fail(domain.ErrTypePermanent, domain.CodeUnexpectedClientErr, fmt.Sprintf("build request: %v", err))
			return nil
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if isConnectionClassError(err) {
				return err // retryable
			}
			result = domain.Fail(domain.ErrTypeTransientNetwork, domain.CodeConnectionTimeout, err.Error())
			return nil
		}
		defer resp.Body.Close()

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			// Read timeouts are never retried (spec §4.2).
			result = domain.Fail(domain.ErrTypeTransientNetwork, domain.CodeConnectionTimeout, readErr.Error())
			return nil
		}

		typ, code, ok := classifyStatus(resp.StatusCode)
		if ok {
			var data map[string]any
			if len(raw) > 0 {
				if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
					result = domain.Fail(domain.ErrTypePermanent, domain.CodeUnexpectedClientErr, jsonErr.Error())
					return nil
				}
			}
			result = domain.Ok(data)
			return nil
		}
		result = domain.Fail(typ, code, string(raw))
		return nil
	}

	if err := runWithRetry(ctx, c.retry, attempt); err != nil {
		c.RebuildSession()
		return domain.Fail(domain.ErrTypeTransientNetwork, domain.CodeConnectionTimeout, err.Error())
	}
	return result
}
