package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ipsix/forseti/internal/lint"
)

// RunRecord is the persisted summary of one lint run.
type RunRecord struct {
	RunID      string             `json:"run_id"`
	Status     lint.Status        `json:"status"`
	Summary    lint.Summary       `json:"summary"`
	Engines    []string           `json:"engines"`
	Issues     []lint.EngineIssue `json:"engine_issues,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Duration   time.Duration      `json:"duration"`
}

func RunRecordFrom(res lint.Result) RunRecord {
	return RunRecord{
		RunID:      res.RunID,
		Status:     res.Status,
		Summary:    res.Summary,
		Engines:    res.Engines,
		Issues:     res.Issues,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Duration:   res.Duration,
	}
}

type RunStore struct {
	store Store
}

func NewRunStore(store Store) *RunStore {
	return &RunStore{store: store}
}

// Save keys records by start time so bucket order is chronological.
func (r *RunStore) Save(rec RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	key := fmt.Sprintf("%020d-%s", rec.StartedAt.UTC().UnixNano(), rec.RunID)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return r.store.Put(BucketRuns, key, raw)
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (r *RunStore) List(limit int) ([]RunRecord, error) {
	runs := []RunRecord{}
	err := r.store.ForEach(BucketRuns, func(_, value []byte) error {
		var rec RunRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// PruneOlderThan deletes runs that finished before cutoff and reports how
// many were removed.
func (r *RunStore) PruneOlderThan(cutoff time.Time) (int, error) {
	var stale []string
	err := r.store.ForEach(BucketRuns, func(key, value []byte) error {
		var rec RunRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			stale = append(stale, string(key))
			return nil
		}
		if !rec.FinishedAt.IsZero() && rec.FinishedAt.Before(cutoff) {
			stale = append(stale, string(key))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range stale {
		if err := r.store.Delete(BucketRuns, key); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
