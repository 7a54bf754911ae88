// Package progress carries stage-by-stage sync telemetry from the
// pipeline to whoever is watching, without ever blocking the pipeline.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
)

// Event types in pipeline order of appearance.
const (
	EventStart    = "start"
	EventProgress = "progress"
	EventInfo     = "info"
	EventWarn     = "warn"
	EventError    = "error"
	EventComplete = "complete"
)

// Event is one structured progress report. Counter fields are running
// totals, not deltas.
type Event struct {
	Type      string    `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Total     int       `json:"total,omitempty"`
	Processed int       `json:"processed,omitempty"`
	Applied   int       `json:"applied,omitempty"`
	Errors    int       `json:"errors,omitempty"`
	At        time.Time `json:"at"`
}

// Reporter consumes events. Implementations must be cheap; the
// pipeline calls them inline and never waits on delivery semantics.
type Reporter interface {
	Report(ev Event)
}

// Func adapts a plain function to Reporter.
type Func func(ev Event)

func (f Func) Report(ev Event) { f(ev) }

// Discard drops every event.
var Discard Reporter = Func(func(Event) {})

// Multi fans one event out to several reporters.
func Multi(reporters ...Reporter) Reporter {
	return Func(func(ev Event) {
		for _, r := range reporters {
			r.Report(ev)
		}
	})
}

// LogReporter mirrors warn and error events into the structured log so
// operators see trouble without polling the snapshot.
func LogReporter(jobID string) Reporter {
	return Func(func(ev Event) {
		switch ev.Type {
		case EventWarn:
			logger.Warn("sync progress", "job_id", jobID, "stage", ev.Stage, "message", ev.Message)
		case EventError:
			logger.Error("sync progress", "job_id", jobID, "stage", ev.Stage, "message", ev.Message)
		}
	})
}

// ============================================================================
// Redis snapshot store
// ============================================================================

// snapshotTTL keeps finished jobs visible to the dashboard for a day.
const snapshotTTL = 24 * time.Hour

// Snapshot is the latest known state of a job, what the dashboard
// polls for.
type Snapshot struct {
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Applied   int       `json:"applied"`
	Errors    int       `json:"errors"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists per-job snapshots in Redis.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func snapshotKey(jobID string) string { return "sync:progress:" + jobID }

// Reporter returns a Reporter that folds each event into the job's
// snapshot. Counter fields only move forward; an info event with zero
// counters does not wipe the totals a progress event already set.
func (s *Store) Reporter(jobID string) Reporter {
	snap := &Snapshot{JobID: jobID}
	return Func(func(ev Event) {
		snap.Type = ev.Type
		snap.Stage = ev.Stage
		snap.Message = ev.Message
		if ev.Total > 0 {
			snap.Total = ev.Total
		}
		if ev.Processed > snap.Processed {
			snap.Processed = ev.Processed
		}
		if ev.Applied > snap.Applied {
			snap.Applied = ev.Applied
		}
		if ev.Errors > snap.Errors {
			snap.Errors = ev.Errors
		}
		snap.UpdatedAt = ev.At
		s.publish(*snap)
	})
}

func (s *Store) publish(snap Snapshot) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Set(ctx, snapshotKey(snap.JobID), data, snapshotTTL).Err(); err != nil {
		logger.Warn("progress snapshot publish failed", "job_id", snap.JobID, "error", err.Error())
	}
}

// GetProgress fetches the latest snapshot for a job. Returns nil when
// the job is unknown or expired.
func (s *Store) GetProgress(ctx context.Context, jobID string) (*Snapshot, error) {
	if s.rdb == nil {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, snapshotKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
