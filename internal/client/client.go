// Package client implements the Backend Client: the per-backend state
// machine that wraps a domain.Adapter with status tracking, busy/in-use
// flags, a self-test probe, and event emission toward the Interval Event
// Log.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
	"github.com/fairyhunter13/fleet-dispatch/internal/metrics"
)

// allClientStatuses enumerates every ClientStatus value, used to zero the
// inactive labels of the client_status gauge whenever one is set.
var allClientStatuses = []string{
	string(domain.StatusUnknown),
	string(domain.StatusAvailable),
	string(domain.StatusError),
	string(domain.StatusUnavailable),
}

// failureRecorder is the subset of domain.UsageCapability implementations
// may additionally satisfy to receive failure notifications. Not part of
// the domain.UsageCapability contract itself since most capabilities (e.g.
// NoopUsageCapability) have no use for it.
type failureRecorder interface {
	RecordFailure(clientName string)
}

// selfTestPrompt is the fixed probe the state machine sends during a
// self-test. The backend must answer in a way that contains "OK".
const selfTestPrompt = "If you are working, please respond with 'OK'."

// Client is one Backend Client: one Adapter plus the status/counter/flag
// state machine described in spec §4.3.
type Client struct {
	mu sync.Mutex

	name     string
	group    string
	priority int

	adapter domain.Adapter
	usage   domain.UsageCapability
	sink    domain.EventSink

	status     domain.ClientStatus
	errorCount int // recent consecutive error streak
	errorSum   int64

	inUse    bool
	acquired bool

	lastChat time.Time
	lastTest time.Time
}

// Config supplies the static identity of a Backend Client.
type Config struct {
	Name     string
	Group    string
	Priority int
	Adapter  domain.Adapter
	Usage    domain.UsageCapability // nil defaults to domain.NoopUsageCapability{}
	Sink     domain.EventSink       // nil discards events
}

// New constructs a Client in StatusUnknown, matching the spec's documented
// initial state before the first self-test or chat attempt.
func New(cfg Config) *Client {
	usage := cfg.Usage
	if usage == nil {
		usage = domain.NoopUsageCapability{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = domain.EventSinkFunc(func(domain.Event) {})
	}
	return &Client{
		name:     cfg.Name,
		group:    cfg.Group,
		priority: cfg.Priority,
		adapter:  cfg.Adapter,
		usage:    usage,
		sink:     sink,
		status:   domain.StatusUnknown,
	}
}

// Name, Group, Priority expose the client's static identity.
func (c *Client) Name() string     { return c.name }
func (c *Client) Group() string    { return c.group }
func (c *Client) Priority() int    { return c.priority }

// Status returns the current ClientStatus.
func (c *Client) Status() domain.ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ErrorCount returns the current consecutive-error streak.
func (c *Client) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// LastActivity returns the later of the client's last chat attempt and last
// self-test, used by the Manager's health-check loop to gate cadence.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastChat.After(c.lastTest) {
		return c.lastChat
	}
	return c.lastTest
}

// Health delegates to the capability hook (default: always 100).
func (c *Client) Health() float64 {
	return c.usage.CalculateHealth(c.name)
}

// InUse reports whether a chat is currently executing against this client.
func (c *Client) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// Acquired reports whether the Manager currently holds this client reserved
// for a specific caller. Acquired is independent of InUse: a client can be
// acquired (reserved for one caller) while idle between calls.
func (c *Client) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// Acquire reserves the client for a caller. It does not check InUse.
func (c *Client) Acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = true
}

// Release clears the caller reservation.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = false
}

// SetStatus forces a status transition (used by the Manager for admin
// overrides and at startup for default_available backends) and emits a
// status_change event.
func (c *Client) SetStatus(status domain.ClientStatus) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()

	if changed {
		c.sink.Publish(domain.Event{
			Kind:       domain.EventStatusChange,
			ClientName: c.name,
			Status:     status,
			At:         time.Now(),
		})
	}
	metrics.RecordStatus(c.name, string(status), allClientStatuses)
	metrics.ClientHealth.WithLabelValues(c.name).Set(c.Health())
}

// ComplainError is the external "complain_error" operation (spec §4.3, §7):
// a caller that successfully received an HTTP-200 response but judged its
// content wrong (business-level failure the HTTP Execution Core never saw)
// reports it here. It unconditionally bumps the error streak and marks the
// client ERROR, independent of complainError's HTTP-classification gating.
func (c *Client) ComplainError(reason string) {
	c.mu.Lock()
	changed := c.status != domain.StatusError
	c.errorCount++
	c.errorSum++
	c.status = domain.StatusError
	c.mu.Unlock()

	if changed {
		c.sink.Publish(domain.Event{
			Kind:       domain.EventStatusChange,
			ClientName: c.name,
			Status:     domain.StatusError,
			At:         time.Now(),
		})
	}
	c.recordFailure()
	metrics.RecordStatus(c.name, string(domain.StatusError), allClientStatuses)
	metrics.ClientHealth.WithLabelValues(c.name).Set(c.Health())
}

// recordFailure forwards to the usage capability's RecordFailure hook when
// it implements one, so CalculateHealth can actually degrade under failure.
func (c *Client) recordFailure() {
	if fr, ok := c.usage.(failureRecorder); ok {
		fr.RecordFailure(c.name)
	}
}

// Chat runs one chat-completion attempt through the underlying adapter,
// updating status/counters per the Error→State table (spec §4.3) and
// returning a CallerResult. Chat never panics across its boundary; any
// unexpected Go error reaching it is translated per the "exception crossing
// the boundary" rule in spec §7.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) domain.CallerResult {
	c.mu.Lock()
	if c.status == domain.StatusUnavailable {
		c.mu.Unlock()
		return domain.CallerResult{ErrorKind: domain.CallerErrClientUnavailable, ErrorType: domain.CallerErrorFatal, Message: "client unavailable"}
	}
	if c.inUse {
		c.mu.Unlock()
		return domain.CallerResult{ErrorKind: domain.CallerErrClientBusy, ErrorType: domain.CallerErrorRecoverable, Message: "client busy"}
	}
	c.inUse = true
	c.mu.Unlock()

	c.sink.Publish(domain.Event{Kind: domain.EventChatStart, ClientName: c.name, Model: req.Model, IsHealthCheck: req.IsHealthCheck, At: time.Now()})

	start := time.Now()
	result, caller := c.runChatRecovered(ctx, req)
	metrics.ChatDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	outcome := "success"
	if caller.ErrorKind != "" {
		outcome = caller.ErrorKind
	}
	metrics.ChatRequestsTotal.WithLabelValues(c.name, outcome).Inc()

	c.mu.Lock()
	c.inUse = false
	c.lastChat = time.Now()
	c.mu.Unlock()

	metrics.RecordStatus(c.name, string(c.Status()), allClientStatuses)
	metrics.ClientHealth.WithLabelValues(c.name).Set(c.Health())

	c.sink.Publish(domain.Event{
		Kind:          domain.EventChatEnd,
		ClientName:    c.name,
		Model:         req.Model,
		Status:        c.Status(),
		Success:       result.Success,
		ErrorType:     errTypeOf(result),
		ErrorCode:     errCodeOf(result),
		IsHealthCheck: req.IsHealthCheck,
		At:            time.Now(),
	})
	return caller
}

// runChatRecovered guards against a misbehaving adapter panicking instead of
// routing failures through httpexec: a recovered panic is classified
// PERMANENT/fatal and marks the client UNAVAILABLE.
func (c *Client) runChatRecovered(ctx context.Context, req domain.ChatRequest) (result domain.APIResult, caller domain.CallerResult) {
	defer func() {
		if r := recover(); r != nil {
			c.complainError(domain.ErrTypePermanent)
			caller = domain.CallerResult{
				ErrorKind: domain.CallerErrInternalException,
				ErrorType: domain.CallerErrorFatal,
				Message:   fmt.Sprintf("adapter panic: %v", r),
			}
		}
	}()
	return c.runChat(ctx, req)
}

func (c *Client) runChat(ctx context.Context, req domain.ChatRequest) (domain.APIResult, domain.CallerResult) {
	result, err := c.adapter.CreateChatCompletion(ctx, req)
	if err != nil {
		// An exception crossing the adapter boundary. Every Go error from the
		// adapter is classified PERMANENT/fatal and marks the client
		// UNAVAILABLE; errors are not told apart by kind.
		c.complainError(domain.ErrTypePermanent)
		return domain.APIResult{}, domain.CallerResult{
			ErrorKind: domain.CallerErrInternalException,
			ErrorType: domain.CallerErrorFatal,
			Message:   err.Error(),
		}
	}

	if !result.Success {
		c.complainError(result.Err.Type)
		return result, domain.CallerResult{
			ErrorKind:  domain.CallerErrUnifiedAPIError,
			ErrorType:  callerErrorTypeOf(result.Err.Type),
			APIErrCode: result.Err.Code,
			APIErrType: result.Err.Type,
			Message:    result.Err.Message,
		}
	}

	if !c.validateResponse(result, req.ExpectedContent) {
		// A malformed-but-HTTP-200 response is a recoverable condition, not a
		// permanent one: it increments the error streak and marks the client
		// ERROR so it re-enters the backoff cycle, matching the original's
		// `_increase_error_count()` + `ClientStatus.ERROR` transition for this
		// path (spec §4.3 step 5).
		c.recordRecoverableError()
		return result, domain.CallerResult{
			ErrorKind: domain.CallerErrEmptyResponse,
			ErrorType: domain.CallerErrorRecoverable,
			Message:   "empty or malformed response",
		}
	}

	c.recordSuccess()
	return result, domain.CallerResult{Data: result.Data}
}

// validateResponse checks that a successful APIResult actually carries a
// non-empty choices list and, when expectedSubstring is non-empty, that the
// first choice's content contains it (used by the self-test probe to check
// for "OK").
func (c *Client) validateResponse(result domain.APIResult, expectedSubstring string) bool {
	choices, ok := result.Data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return false
	}
	if expectedSubstring == "" {
		return true
	}
	return strings.Contains(firstChoiceContent(result.Data), expectedSubstring)
}

// firstChoiceContent extracts the message content of the first choice, or ""
// if the response doesn't have the expected shape.
func firstChoiceContent(data map[string]any) string {
	choices, _ := data["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	first, _ := choices[0].(map[string]any)
	message, _ := first["message"].(map[string]any)
	content, _ := message["content"].(string)
	return content
}

// callerErrorTypeOf implements spec §7's client-layer policy: BAD_REQUEST is
// fatal but does not punish the backend (handled separately in
// complainError); other PERMANENT errors are fatal; TRANSIENT_* and any
// unknown type are recoverable.
func callerErrorTypeOf(t domain.ErrorType) domain.CallerErrorType {
	if t == domain.ErrTypeBadRequest || t == domain.ErrTypePermanent {
		return domain.CallerErrorFatal
	}
	return domain.CallerErrorRecoverable
}

// complainError applies the Error→State transition table (spec §4.3, §7):
//   - BAD_REQUEST/HTTP_400 is the caller's fault; it does not punish the
//     backend at all (no counter change, no status change).
//   - Other PERMANENT errors (401/403/404/MISSING_TOKEN/UNEXPECTED_CLIENT_ERROR)
//     bump the error streak and mark the client UNAVAILABLE.
//   - TRANSIENT_* errors mark the client ERROR and bump the error streak.
func (c *Client) complainError(t domain.ErrorType) {
	if t == domain.ErrTypeBadRequest {
		return
	}

	c.mu.Lock()
	c.errorCount++
	c.errorSum++
	switch t {
	case domain.ErrTypePermanent:
		c.status = domain.StatusUnavailable
	default:
		c.status = domain.StatusError
	}
	c.mu.Unlock()

	// Chat stamps the status/health gauges once after this returns; no need
	// to duplicate that here.
	c.recordFailure()
}

// recordRecoverableError bumps the error streak and marks the client ERROR
// without going through the HTTP-error-type classification table, for
// failures detected after a successful HTTP 200 (e.g. an empty or malformed
// response body).
func (c *Client) recordRecoverableError() {
	c.mu.Lock()
	c.errorCount++
	c.errorSum++
	c.status = domain.StatusError
	c.mu.Unlock()

	c.recordFailure()
}

// recordSuccess resets the consecutive-error streak and marks the client
// AVAILABLE.
func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.errorCount = 0
	c.status = domain.StatusAvailable
	c.mu.Unlock()
}

// SelfTest runs the fixed self-test prompt through Chat, so a health-check
// probe goes through exactly the same busy-guard, status gate, and event
// emission as any other caller's chat — it is simply a chat whose content is
// required to contain "OK" to validate.
func (c *Client) SelfTest(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.lastTest = time.Now()
		c.mu.Unlock()
	}()

	result := c.Chat(ctx, domain.ChatRequest{
		Messages:        []domain.ChatMessage{{Role: "user", Content: selfTestPrompt}},
		MaxTokens:       100,
		IsHealthCheck:   true,
		ExpectedContent: "OK",
	})

	outcome := "success"
	if result.ErrorKind != "" {
		outcome = "failure"
	}
	metrics.SelfTestsTotal.WithLabelValues(c.name, outcome).Inc()

	if result.ErrorKind != "" {
		return fmt.Errorf("self-test failed: %s", result.Message)
	}
	return nil
}

func errTypeOf(r domain.APIResult) domain.ErrorType {
	if r.Err == nil {
		return ""
	}
	return r.Err.Type
}

func errCodeOf(r domain.APIResult) string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Code
}
