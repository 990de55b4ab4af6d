package openaicompat

import (
	"context"
	"sync"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

// TokenUsageCapability is the concrete domain.UsageCapability this adapter
// contributes: cumulative prompt/completion token counters per model name,
// and a health score that degrades as a model's recorded failure share
// rises (fed externally via RecordFailure, called by the Backend Client's
// error-handling path).
type TokenUsageCapability struct {
	mu sync.Mutex

	promptTokens     map[string]int64
	completionTokens map[string]int64
	calls            map[string]int64
	failures         map[string]int64
}

// NewTokenUsageCapability returns a ready-to-use, empty capability.
func NewTokenUsageCapability() *TokenUsageCapability {
	return &TokenUsageCapability{
		promptTokens:     map[string]int64{},
		completionTokens: map[string]int64{},
		calls:            map[string]int64{},
		failures:         map[string]int64{},
	}
}

// RecordUsage implements domain.UsageCapability.
func (u *TokenUsageCapability) RecordUsage(_ context.Context, clientName string, usage map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.calls[clientName]++
	if v, ok := usage["prompt_tokens"]; ok {
		u.promptTokens[clientName] += toInt64(v)
	}
	if v, ok := usage["completion_tokens"]; ok {
		u.completionTokens[clientName] += toInt64(v)
	}
}

// RecordFailure is called by the Backend Client whenever a chat attempt
// fails, independent of RecordUsage.
func (u *TokenUsageCapability) RecordFailure(clientName string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures[clientName]++
}

// CalculateHealth implements domain.UsageCapability: 100 minus the recent
// failure share, floored at 0.
func (u *TokenUsageCapability) CalculateHealth(clientName string) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	calls := u.calls[clientName]
	failures := u.failures[clientName]
	total := calls + failures
	if total == 0 {
		return 100.0
	}
	score := 100.0 * (1.0 - float64(failures)/float64(total))
	if score < 0 {
		score = 0
	}
	return score
}

// GetStandardizedMetrics implements domain.UsageCapability.
func (u *TokenUsageCapability) GetStandardizedMetrics(clientName string) []domain.Metric {
	u.mu.Lock()
	defer u.mu.Unlock()

	return []domain.Metric{
		{Name: "prompt_tokens_total", Value: float64(u.promptTokens[clientName]), Unit: "tokens"},
		{Name: "completion_tokens_total", Value: float64(u.completionTokens[clientName]), Unit: "tokens"},
		{Name: "calls_total", Value: float64(u.calls[clientName]), Unit: "count"},
		{Name: "failures_total", Value: float64(u.failures[clientName]), Unit: "count"},
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
