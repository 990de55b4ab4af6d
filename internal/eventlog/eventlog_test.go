package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(context.Background(), Config{
		DBPath:            filepath.Join(dir, "events.db"),
		HeartbeatInterval: time.Hour, // don't let the background ticker fire during tests
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l
}

func TestChatStartThenEndProducesClosedRunInterval(t *testing.T) {
	l := openTestLog(t)
	start := time.Now()

	l.Publish(domain.Event{Kind: domain.EventChatStart, ClientName: "b1", Model: "m1", At: start})
	l.Publish(domain.Event{Kind: domain.EventChatEnd, ClientName: "b1", Model: "m1", Success: true, Status: domain.StatusAvailable, At: start.Add(time.Second)})

	res, err := l.QueryTimeline(context.Background(), l.RunID(), start.Add(-time.Minute), start.Add(time.Minute), "")
	if err != nil {
		t.Fatalf("QueryTimeline: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected 2 intervals (RUN_SUCCESS + IDLE_OK), got %d: %+v", len(res.Items), res.Items)
	}
	if res.Items[0].State != StateRunSuccess {
		t.Fatalf("first interval state = %v, want RUN_SUCCESS (the RUNNING interval finalizes in place)", res.Items[0].State)
	}
	if res.Items[1].State != StateIdleOK {
		t.Fatalf("second interval state = %v, want IDLE_OK", res.Items[1].State)
	}
}

func TestStatusChangeIgnoredDuringRunning(t *testing.T) {
	l := openTestLog(t)
	start := time.Now()

	l.Publish(domain.Event{Kind: domain.EventChatStart, ClientName: "b1", Model: "m1", At: start})
	l.Publish(domain.Event{Kind: domain.EventStatusChange, ClientName: "b1", Status: domain.StatusError, At: start.Add(time.Millisecond)})

	res, err := l.QueryTimeline(context.Background(), l.RunID(), start.Add(-time.Minute), start.Add(time.Minute), "b1")
	if err != nil {
		t.Fatalf("QueryTimeline: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].State != StateRunning {
		t.Fatalf("expected the RUNNING interval to survive untouched, got %+v", res.Items)
	}
}

func TestAdjacentIdenticalIntervalsAreNotSplit(t *testing.T) {
	l := openTestLog(t)
	start := time.Now()

	l.Publish(domain.Event{Kind: domain.EventStatusChange, ClientName: "b1", Status: domain.StatusAvailable, At: start})
	l.Publish(domain.Event{Kind: domain.EventStatusChange, ClientName: "b1", Status: domain.StatusAvailable, At: start.Add(time.Second)})

	res, err := l.QueryTimeline(context.Background(), l.RunID(), start.Add(-time.Minute), start.Add(time.Minute), "b1")
	if err != nil {
		t.Fatalf("QueryTimeline: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected a single merged IDLE_OK interval, got %d: %+v", len(res.Items), res.Items)
	}
}

func TestGetRunListReturnsNewestFirst(t *testing.T) {
	l := openTestLog(t)
	runs, err := l.GetRunList(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetRunList: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != l.RunID() {
		t.Fatalf("expected exactly the current run, got %+v", runs)
	}
}
