// Package eventlog implements the Interval Event Log: a SQLite-backed store
// of non-overlapping per-client state intervals plus the run/session
// lifecycle (heartbeat, crash reconciliation, timeline queries) described in
// spec §4.5.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

// State is one value of client_state_log.state.
type State string

// Interval states.
const (
	StateRunning     State = "RUNNING"
	StateRunSuccess  State = "RUN_SUCCESS"
	StateRunFail     State = "RUN_FAIL"
	StateIdleOK      State = "IDLE_OK"
	StateIdleError   State = "IDLE_ERROR"
	StateUnavailable State = "UNAVAILABLE"
	StateUnknown     State = "UNKNOWN"
)

// Legend maps each state to a fixed display color for timeline consumers.
var Legend = map[State]string{
	StateRunning:     "#2563eb",
	StateRunSuccess:  "#16a34a",
	StateRunFail:     "#dc2626",
	StateIdleOK:      "#a3e635",
	StateIdleError:   "#f97316",
	StateUnavailable: "#6b7280",
	StateUnknown:     "#9ca3af",
}

// openInterval tracks the in-memory tail of the currently open interval for
// one client, mirroring the last row written for it.
type openInterval struct {
	rowID int64
	state State
	model string
}

// Config configures heartbeat cadence and crash-reconciliation grace.
type Config struct {
	DBPath               string
	HeartbeatInterval    time.Duration
	HeartbeatGracePeriod time.Duration
	Logger               *slog.Logger
}

// Log is the Interval Event Log. It implements domain.EventSink.
type Log struct {
	mu sync.Mutex

	db     *sql.DB
	runID  string
	open   map[string]*openInterval
	logger *slog.Logger

	heartbeatInterval time.Duration
	stopCh            chan struct{}
	wg                sync.WaitGroup
}

// Open opens (creating if absent) the SQLite database at cfg.DBPath, runs
// migrations, reconciles any crashed prior run, inserts a fresh run_meta
// row, and starts the heartbeat goroutine.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	grace := cfg.HeartbeatGracePeriod
	if grace <= 0 {
		grace = 120 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer WAL store; avoid SQLITE_BUSY

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		db:                db,
		open:              map[string]*openInterval{},
		logger:            logger,
		heartbeatInterval: heartbeat,
		stopCh:            make(chan struct{}),
	}

	if err := l.reconcileCrashedRuns(ctx, grace); err != nil {
		db.Close()
		return nil, err
	}

	runID := newRunID()
	now := time.Now().Unix()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO run_meta(run_id, start_ts, last_heartbeat_ts) VALUES (?, ?, ?)`,
		runID, now, now); err != nil {
		db.Close()
		return nil, fmt.Errorf("insert run_meta: %w", err)
	}
	l.runID = runID

	l.wg.Add(1)
	go l.heartbeatLoop()

	return l, nil
}

// RunID returns this session's run identifier.
func (l *Log) RunID() string { return l.runID }

func newRunID() string {
	return fmt.Sprintf("%s_%d_%s", time.Now().Format("20060102_150405"), os.Getpid(), uuid.NewString()[:8])
}

// reconcileCrashedRuns closes out any run_meta row whose heartbeat went
// stale before this process started, per spec §4.5 "Crash reconciliation".
func (l *Log) reconcileCrashedRuns(ctx context.Context, grace time.Duration) error {
	cutoff := time.Now().Add(-grace).Unix()
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, last_heartbeat_ts FROM run_meta WHERE end_ts IS NULL AND last_heartbeat_ts < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()

	type stale struct {
		runID string
		lastHB int64
	}
	var staleRuns []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.runID, &s.lastHB); err != nil {
			return fmt.Errorf("scan stale run: %w", err)
		}
		staleRuns = append(staleRuns, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range staleRuns {
		if _, err := l.db.ExecContext(ctx, `UPDATE run_meta SET end_ts = ? WHERE run_id = ?`, s.lastHB, s.runID); err != nil {
			return fmt.Errorf("close stale run_meta: %w", err)
		}
		if _, err := l.db.ExecContext(ctx,
			`UPDATE client_state_log SET ts_end = ? WHERE run_id = ? AND ts_end IS NULL AND ts_start <= ?`,
			s.lastHB, s.runID, s.lastHB); err != nil {
			return fmt.Errorf("close stale intervals: %w", err)
		}
		l.logger.Warn("reconciled crashed run", "run_id", s.runID, "last_heartbeat", s.lastHB)
	}
	return nil
}

func (l *Log) heartbeatLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.touchHeartbeat()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Log) touchHeartbeat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.Exec(`UPDATE run_meta SET last_heartbeat_ts = ? WHERE run_id = ?`, time.Now().Unix(), l.runID); err != nil {
		l.logger.Error("heartbeat update failed", "error", err)
	}
}

// Publish implements domain.EventSink, applying the interval rules of spec
// §4.5 for chat_start, chat_end, and status_change.
func (l *Log) Publish(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := e.At
	if now.IsZero() {
		now = time.Now()
	}
	l.touchHeartbeatLocked(now)

	switch e.Kind {
	case domain.EventChatStart:
		l.ensureOpenLocked(e.ClientName, StateRunning, e.Model, now, true)
	case domain.EventChatEnd:
		finalState := StateRunSuccess
		if !e.Success {
			finalState = StateRunFail
		}
		l.closeOpenLocked(e.ClientName, finalState, string(e.ErrorType), e.ErrorCode, now)
		idle := idleStateFor(e.Status)
		l.ensureOpenLocked(e.ClientName, idle, e.Model, now, false)
	case domain.EventStatusChange:
		cur := l.open[e.ClientName]
		if cur != nil && cur.state == StateRunning {
			return // do not interrupt an in-flight call
		}
		idle := idleStateFor(e.Status)
		l.ensureOpenLocked(e.ClientName, idle, e.Model, now, true)
	}
}

func idleStateFor(status domain.ClientStatus) State {
	switch status {
	case domain.StatusAvailable:
		return StateIdleOK
	case domain.StatusUnavailable:
		return StateUnavailable
	case domain.StatusError:
		return StateIdleError
	default:
		return StateUnknown
	}
}

func (l *Log) touchHeartbeatLocked(now time.Time) {
	if _, err := l.db.Exec(`UPDATE run_meta SET last_heartbeat_ts = ? WHERE run_id = ?`, now.Unix(), l.runID); err != nil {
		l.logger.Error("heartbeat update failed", "error", err)
	}
}

// ensureOpenLocked opens a new interval unless one is already open with the
// identical (state, model), in which case it is a no-op (spec §4.5 "adjacent
// intervals ... should not be split").
func (l *Log) ensureOpenLocked(clientName string, state State, model string, now time.Time, closePriorAtSameTs bool) {
	cur := l.open[clientName]
	if cur != nil && cur.state == state && cur.model == model {
		return
	}
	if cur != nil && closePriorAtSameTs {
		l.closeRowLocked(cur.rowID, now)
	}
	res, err := l.db.Exec(
		`INSERT INTO client_state_log(run_id, client_name, model, state, ts_start) VALUES (?, ?, ?, ?, ?)`,
		l.runID, clientName, model, string(state), now.Unix())
	if err != nil {
		l.logger.Error("insert interval failed", "error", err)
		return
	}
	rowID, _ := res.LastInsertId()
	l.open[clientName] = &openInterval{rowID: rowID, state: state, model: model}
}

func (l *Log) closeOpenLocked(clientName string, finalState State, errorType, errorCode string, now time.Time) {
	cur := l.open[clientName]
	if cur == nil {
		return
	}
	if _, err := l.db.Exec(
		`UPDATE client_state_log SET state = ?, error_type = ?, error_code = ?, ts_end = ? WHERE id = ?`,
		string(finalState), nullIfEmpty(errorType), nullIfEmpty(errorCode), now.Unix(), cur.rowID); err != nil {
		l.logger.Error("close interval failed", "error", err)
	}
	delete(l.open, clientName)
}

func (l *Log) closeRowLocked(rowID int64, now time.Time) {
	if _, err := l.db.Exec(`UPDATE client_state_log SET ts_end = ? WHERE id = ?`, now.Unix(), rowID); err != nil {
		l.logger.Error("close row failed", "error", err)
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Stop closes every open interval at now, stamps end_ts on this run, and
// stops the heartbeat goroutine.
func (l *Log) Stop(ctx context.Context) error {
	close(l.stopCh)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for name, cur := range l.open {
		l.closeRowLocked(cur.rowID, now)
		delete(l.open, name)
	}
	if _, err := l.db.ExecContext(ctx, `UPDATE run_meta SET end_ts = ? WHERE run_id = ?`, now.Unix(), l.runID); err != nil {
		return fmt.Errorf("close run_meta: %w", err)
	}
	return l.db.Close()
}

// RunInfo is one row of get_run_list.
type RunInfo struct {
	RunID           string
	StartTS         time.Time
	EndTS           *time.Time
	LastHeartbeatTS time.Time
}

// GetRunList returns the most recent runs, newest first.
func (l *Log) GetRunList(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, start_ts, end_ts, last_heartbeat_ts FROM run_meta ORDER BY start_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run list: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var runID string
		var start, hb int64
		var end sql.NullInt64
		if err := rows.Scan(&runID, &start, &end, &hb); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		info := RunInfo{RunID: runID, StartTS: time.Unix(start, 0), LastHeartbeatTS: time.Unix(hb, 0)}
		if end.Valid {
			t := time.Unix(end.Int64, 0)
			info.EndTS = &t
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// TimelineItem is one interval clipped to a query window.
type TimelineItem struct {
	Client string
	Model  string
	State  State
	Start  time.Time
	End    time.Time
}

// TimelineResult bundles the clipped intervals with their legend and the
// sorted set of client names present in the result.
type TimelineResult struct {
	Items   []TimelineItem
	Legend  map[State]string
	Clients []string
}

// QueryTimeline returns intervals overlapping [from, to) for run_id,
// optionally filtered to one client, clipped to the window. A null ts_end is
// treated as `to`.
func (l *Log) QueryTimeline(ctx context.Context, runID string, from, to time.Time, client string) (TimelineResult, error) {
	query := `SELECT client_name, model, state, ts_start, ts_end FROM client_state_log
		WHERE run_id = ? AND ts_start < ? AND (ts_end IS NULL OR ts_end > ?)`
	args := []any{runID, to.Unix(), from.Unix()}
	if client != "" {
		query += ` AND client_name = ?`
		args = append(args, client)
	}
	query += ` ORDER BY ts_start`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TimelineResult{}, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	clientSet := map[string]struct{}{}
	var items []TimelineItem
	for rows.Next() {
		var name, state string
		var model sql.NullString
		var start int64
		var end sql.NullInt64
		if err := rows.Scan(&name, &model, &state, &start, &end); err != nil {
			return TimelineResult{}, fmt.Errorf("scan interval: %w", err)
		}
		startT := time.Unix(start, 0)
		endT := to
		if end.Valid {
			endT = time.Unix(end.Int64, 0)
		}
		if startT.Before(from) {
			startT = from
		}
		if endT.After(to) {
			endT = to
		}
		items = append(items, TimelineItem{
			Client: name,
			Model:  model.String,
			State:  State(state),
			Start:  startT,
			End:    endT,
		})
		clientSet[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return TimelineResult{}, err
	}

	clients := make([]string, 0, len(clientSet))
	for name := range clientSet {
		clients = append(clients, name)
	}
	sort.Strings(clients)

	return TimelineResult{Items: items, Legend: Legend, Clients: clients}, nil
}
