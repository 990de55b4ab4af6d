// Package manager implements the Manager/Scheduler: priority-ordered client
// selection, per-caller affinity, group-level concurrency admission, and the
// background health-check loop (spec §4.4).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/fleet-dispatch/internal/client"
	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
	"github.com/fairyhunter13/fleet-dispatch/internal/metrics"
)

// SelectionRequest is the input to GetAvailableClient.
type SelectionRequest struct {
	CallerID        string
	RequestChange   bool
	TargetGroupID   string
	TargetClientName string
}

// entry is one registered Backend Client plus its registration order, used
// as the stable tie-break among equal priorities.
type entry struct {
	client *client.Client
	seq    int
}

// Manager holds the registered fleet and the caller→backend affinity map.
type Manager struct {
	mu sync.Mutex

	entries    []entry
	nextSeq    int
	callerMap  map[string]*client.Client
	groupLimit map[string]int

	baseInterval   time.Duration
	firstCheckWait time.Duration
	stopCh         chan struct{}
	monitoring     bool

	logger *slog.Logger
}

// Config configures the health-check loop cadence.
type Config struct {
	BaseCheckInterval time.Duration
	FirstCheckDelay   time.Duration
	Logger            *slog.Logger
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BaseCheckInterval
	if base <= 0 {
		base = time.Second
	}
	return &Manager{
		callerMap:      map[string]*client.Client{},
		groupLimit:     map[string]int{},
		baseInterval:   base,
		firstCheckWait: cfg.FirstCheckDelay,
		logger:         logger,
	}
}

// RegisterClient adds a Backend Client to the fleet, keeping the list sorted
// ascending by priority with stable insertion-order tie-breaking.
func (m *Manager) RegisterClient(c *client.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry{client: c, seq: m.nextSeq})
	m.nextSeq++
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].client.Priority() < m.entries[j].client.Priority()
	})
}

// SetGroupLimit sets the maximum number of concurrently busy clients for a
// group. A limit of 0 forbids any acquisition in that group; a group with no
// configured limit is unrestricted.
func (m *Manager) SetGroupLimit(groupID string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupLimit[groupID] = limit
}

// GroupLimits returns a snapshot of the configured group concurrency limits,
// for the admin overview's group_limits field.
func (m *Manager) GroupLimits() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.groupLimit))
	for k, v := range m.groupLimit {
		out[k] = v
	}
	return out
}

// ActiveUsers returns the number of distinct callers currently holding a
// client reservation, for the admin overview's active_users field.
func (m *Manager) ActiveUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.callerMap)
}

// GetClientByName returns a registered client by name, or nil.
func (m *Manager) GetClientByName(name string) *client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.client.Name() == name {
			return e.client
		}
	}
	return nil
}

// GetAvailableClient runs the selection algorithm of spec §4.4 step 1-5.
func (m *Manager) GetAvailableClient(req SelectionRequest) (*client.Client, error) {
	if req.CallerID == "" {
		return nil, domain.ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: reconcile caller's current holding. Spec §4.4 step 1 releases
	// unconditionally once the held client is ERROR or UNAVAILABLE; the
	// per-candidate filter below still excludes ERROR only once
	// error_count > 1, so a client released here at error_count == 1 is
	// simply re-acquired in step 4 below.
	current := m.callerMap[req.CallerID]
	if current != nil {
		if !m.contains(current) || current.Status() == domain.StatusError || current.Status() == domain.StatusUnavailable {
			current.Release()
			delete(m.callerMap, req.CallerID)
			current = nil
		}
	}

	// Step 2: per-group usage, excluding the caller's own holding on swap.
	usage := map[string]int{}
	for _, e := range m.entries {
		if e.client.InUse() || e.client.Acquired() {
			if req.RequestChange && e.client == current {
				continue
			}
			usage[e.client.Group()]++
		}
	}
	for _, e := range m.entries {
		group := e.client.Group()
		metrics.GroupInUse.WithLabelValues(group).Set(float64(usage[group]))
	}

	for _, e := range m.entries {
		c := e.client
		if req.TargetClientName != "" && c.Name() != req.TargetClientName {
			continue
		}
		if req.TargetGroupID != "" && c.Group() != req.TargetGroupID {
			continue
		}
		if req.RequestChange && c == current {
			continue
		}
		if c.Status() == domain.StatusUnavailable {
			continue
		}
		if c.Status() == domain.StatusError && c.ErrorCount() > 1 {
			continue
		}
		if c.Health() <= 0 {
			continue
		}
		if limit, ok := m.groupLimit[c.Group()]; ok {
			// A configured limit of 0 forbids any acquisition in the group
			// entirely; a limit is only absent (unlimited) when never set.
			isCurrent := c == current
			if !isCurrent && usage[c.Group()] >= limit {
				continue
			}
		}

		// Step 4.
		if !req.RequestChange && c == current {
			return c, nil
		}
		if c.Acquired() {
			continue
		}
		c.Acquire()
		if current != nil && current != c {
			current.Release()
		}
		m.callerMap[req.CallerID] = c
		return c, nil
	}

	return nil, domain.ErrNoCandidate
}

func (m *Manager) contains(c *client.Client) bool {
	for _, e := range m.entries {
		if e.client == c {
			return true
		}
	}
	return false
}

// ReleaseClient releases whatever the caller currently holds, or releases a
// specific named client if byClient is non-empty.
func (m *Manager) ReleaseClient(callerID, byClient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byClient != "" {
		for _, e := range m.entries {
			if e.client.Name() == byClient {
				e.client.Release()
				for caller, c := range m.callerMap {
					if c == e.client {
						delete(m.callerMap, caller)
					}
				}
				return nil
			}
		}
		return domain.ErrNotFound
	}

	c, ok := m.callerMap[callerID]
	if !ok {
		return domain.ErrNotFound
	}
	c.Release()
	delete(m.callerMap, callerID)
	return nil
}

// SetClientStatus is the admin override hook.
func (m *Manager) SetClientStatus(name string, status domain.ClientStatus) error {
	c := m.GetClientByName(name)
	if c == nil {
		return domain.ErrNotFound
	}
	c.SetStatus(status)
	return nil
}

// TriggerManualCheck runs a self-test against one named client immediately,
// outside the health-check loop's cadence.
func (m *Manager) TriggerManualCheck(ctx context.Context, name string) error {
	c := m.GetClientByName(name)
	if c == nil {
		return domain.ErrNotFound
	}
	return c.SelfTest(ctx)
}

// ClientStat is one row of get_client_stats.
type ClientStat struct {
	Name       string
	Group      string
	Priority   int
	Status     domain.ClientStatus
	ErrorCount int
	Health     float64
	InUse      bool
	Acquired   bool
	Metrics    []domain.Metric
}

// GetClientStats returns priority-sorted stats for every registered client.
func (m *Manager) GetClientStats(usage domain.UsageCapability) []ClientStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]ClientStat, 0, len(m.entries))
	for _, e := range m.entries {
		c := e.client
		var metrics []domain.Metric
		if usage != nil {
			metrics = usage.GetStandardizedMetrics(c.Name())
		}
		stats = append(stats, ClientStat{
			Name:       c.Name(),
			Group:      c.Group(),
			Priority:   c.Priority(),
			Status:     c.Status(),
			ErrorCount: c.ErrorCount(),
			Health:     c.Health(),
			InUse:      c.InUse(),
			Acquired:   c.Acquired(),
			Metrics:    metrics,
		})
	}
	return stats
}

// Clients returns a snapshot of registered clients in priority order.
func (m *Manager) Clients() []*client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*client.Client, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.client
	}
	return out
}

// StartMonitoring launches the background health-check loop. It is a no-op
// if already running.
func (m *Manager) StartMonitoring(ctx context.Context) {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	go m.monitorLoop(ctx, stop)
}

// StopMonitoring stops the background health-check loop.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.monitoring {
		return
	}
	close(m.stopCh)
	m.monitoring = false
}

func (m *Manager) monitorLoop(ctx context.Context, stop chan struct{}) {
	if m.firstCheckWait > 0 {
		select {
		case <-time.After(m.firstCheckWait):
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.baseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runHealthCheckTick(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runHealthCheckTick collects candidates under the manager lock, then acts
// on them lock-free, per spec §4.4/§9.
func (m *Manager) runHealthCheckTick(ctx context.Context) {
	now := time.Now()

	var due []*client.Client
	m.mu.Lock()
	for _, e := range m.entries {
		if e.client.Acquired() {
			continue
		}
		if m.isDue(e.client, now) {
			due = append(due, e.client)
		}
	}
	m.mu.Unlock()

	for _, c := range due {
		m.checkOne(ctx, c)
	}
}

func (m *Manager) isDue(c *client.Client, now time.Time) bool {
	status := c.Status()
	timeout := checkInterval(m.baseInterval, status, c.ErrorCount())
	if timeout <= 0 {
		return true
	}
	return now.Sub(c.LastActivity()) > timeout
}

func (m *Manager) checkOne(ctx context.Context, c *client.Client) {
	syntheticCaller := fmt.Sprintf("[System Check] %s", c.Name())
	c.Acquire()
	m.mu.Lock()
	m.callerMap[syntheticCaller] = c
	m.mu.Unlock()

	if err := c.SelfTest(ctx); err != nil {
		m.logger.Debug("self-test failed", "client", c.Name(), "error", err)
	}

	m.mu.Lock()
	delete(m.callerMap, syntheticCaller)
	m.mu.Unlock()
	c.Release()
}

// checkInterval returns the backoff interval for a given status, per §4.4.
// The monitor loop itself uses a fixed ticker and relies on isDue, which
// calls this function, for the per-status gating.
func checkInterval(base time.Duration, status domain.ClientStatus, errorCount int) time.Duration {
	switch status {
	case domain.StatusAvailable:
		return base * 15
	case domain.StatusUnavailable:
		return base * 30
	case domain.StatusUnknown:
		return 0
	case domain.StatusError:
		shift := errorCount
		if shift > 4 {
			shift = 4
		}
		mult := time.Duration(1)
		for i := 0; i < shift; i++ {
			mult *= 2
		}
		if mult > 16 {
			mult = 16
		}
		return base * mult
	default:
		return base
	}
}
