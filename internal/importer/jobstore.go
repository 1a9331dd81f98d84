package importer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stats aggregates outcomes across all jobs the store has seen.
type Stats struct {
	TotalJobs int `json:"totalJobs"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	ItemsCreated      int `json:"itemsCreated"`
	ExceptionsCreated int `json:"exceptionsCreated"`

	// AvgDurationMs covers completed jobs only.
	AvgDurationMs int64 `json:"avgDurationMs"`
}

// JobStore tracks jobs by id. Injected into the orchestrator so job
// lifecycle does not depend on process globals. Jobs are not persisted:
// an in-flight job is lost on process crash.
type JobStore interface {
	Put(job *Job)
	Get(id uuid.UUID) (*Job, bool)
	Active() []*Job
	History(limit int) []*Job
	Stats() Stats
}

// MemJobStore is the in-memory JobStore.
type MemJobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job
	// order preserves insertion so history is deterministic.
	order []*Job
}

// NewMemJobStore creates an empty job store.
func NewMemJobStore() *MemJobStore {
	return &MemJobStore{jobs: make(map[uuid.UUID]*Job)}
}

func (s *MemJobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID()]; ok {
		return
	}
	s.jobs[job.ID()] = job
	s.order = append(s.order, job)
}

func (s *MemJobStore) Get(id uuid.UUID) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *MemJobStore) Active() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, job := range s.order {
		if !job.Snapshot().Status.Terminal() {
			out = append(out, job)
		}
	}
	return out
}

// History returns terminal jobs, most recently finished first.
func (s *MemJobStore) History(limit int) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type done struct {
		job *Job
		at  time.Time
	}
	var finished []done
	for _, job := range s.order {
		snap := job.Snapshot()
		if snap.Status.Terminal() && snap.CompletedAt != nil {
			finished = append(finished, done{job: job, at: *snap.CompletedAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.After(finished[j].at) })

	if limit > 0 && len(finished) > limit {
		finished = finished[:limit]
	}
	out := make([]*Job, len(finished))
	for i, d := range finished {
		out[i] = d.job
	}
	return out
}

func (s *MemJobStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	var completedDur time.Duration
	for _, job := range s.order {
		snap := job.Snapshot()
		stats.TotalJobs++
		switch snap.Status {
		case StatusCompleted:
			stats.Completed++
			if snap.Result != nil {
				stats.ItemsCreated += snap.Result.ItemsCreated
				stats.ExceptionsCreated += snap.Result.ExceptionsCreated
			}
			if snap.StartedAt != nil && snap.CompletedAt != nil {
				completedDur += snap.CompletedAt.Sub(*snap.StartedAt)
			}
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
	}
	if stats.Completed > 0 {
		stats.AvgDurationMs = completedDur.Milliseconds() / int64(stats.Completed)
	}
	return stats
}
