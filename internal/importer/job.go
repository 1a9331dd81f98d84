// Package importer drives a BOQ import through its stages: parse the file,
// match rows against the catalog, apply the duplicate policy, persist the
// aggregate. Each import runs as an independent asynchronous job.
package importer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the job state machine.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusParsing    Status = "parsing"
	StatusMapping    Status = "mapping"
	StatusValidating Status = "validating"
	StatusSaving     Status = "saving"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// next is the forward edge of the pipeline; failed and cancelled are
// reachable from any non-terminal state.
var next = map[Status]Status{
	StatusQueued:     StatusParsing,
	StatusParsing:    StatusMapping,
	StatusMapping:    StatusValidating,
	StatusValidating: StatusSaving,
	StatusSaving:     StatusCompleted,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	return next[from] == to
}

// StageMetrics accumulates per-stage counters and timings for one job.
type StageMetrics struct {
	TotalRows     int `json:"totalRows"`
	ProcessedRows int `json:"processedRows"`
	ValidRows     int `json:"validRows"`
	SkippedRows   int `json:"skippedRows"`
	ParseErrors   int `json:"parseErrors"`

	AutoMapped  int `json:"autoMapped"`
	NeedsReview int `json:"needsReview"`
	Unmapped    int `json:"unmapped"`
	Exceptions  int `json:"exceptions"`

	ItemsFailed      int `json:"itemsFailed"`
	ExceptionsFailed int `json:"exceptionsFailed"`

	ParseTimeMs int64 `json:"parseTimeMs"`
	MatchTimeMs int64 `json:"matchTimeMs"`
	SaveTimeMs  int64 `json:"saveTimeMs"`
}

// Result is attached when a job completes.
type Result struct {
	BOQID             uuid.UUID `json:"boqId"`
	ItemsCreated      int       `json:"itemsCreated"`
	ExceptionsCreated int       `json:"exceptionsCreated"`
}

// Snapshot is a consistent, caller-owned copy of a job's state.
type Snapshot struct {
	ID          uuid.UUID    `json:"id"`
	FileName    string       `json:"fileName"`
	FileSize    int64        `json:"fileSize"`
	Status      Status       `json:"status"`
	Progress    int          `json:"progress"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Metrics     StageMetrics `json:"metrics"`
	Result      *Result      `json:"result,omitempty"`
}

// Job is one import run. The orchestrator that created it is the only
// writer; everyone else reads through Snapshot.
type Job struct {
	id       uuid.UUID
	fileName string
	fileSize int64

	cancel func()
	done   chan struct{}

	mu          sync.Mutex
	status      Status
	progress    int
	err         string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	metrics     StageMetrics
	result      *Result

	listenerMu sync.Mutex
	listeners  []chan Snapshot
}

func newJob(fileName string, fileSize int64, cancel func()) *Job {
	return &Job{
		id:        uuid.New(),
		fileName:  fileName,
		fileSize:  fileSize,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusQueued,
		createdAt: time.Now(),
	}
}

// ID returns the job's identifier.
func (j *Job) ID() uuid.UUID { return j.id }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot returns a copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        j.id,
		FileName:  j.fileName,
		FileSize:  j.fileSize,
		Status:    j.status,
		Progress:  j.progress,
		Error:     j.err,
		CreatedAt: j.createdAt,
		Metrics:   j.metrics,
	}
	if j.startedAt != nil {
		t := *j.startedAt
		snap.StartedAt = &t
	}
	if j.completedAt != nil {
		t := *j.completedAt
		snap.CompletedAt = &t
	}
	if j.result != nil {
		r := *j.result
		snap.Result = &r
	}
	return snap
}

// transition moves the job to the next state if legal. Returns false and
// leaves the job untouched otherwise.
func (j *Job) transition(to Status) bool {
	j.mu.Lock()
	if !CanTransition(j.status, to) {
		j.mu.Unlock()
		return false
	}
	j.status = to
	if to == StatusParsing && j.startedAt == nil {
		now := time.Now()
		j.startedAt = &now
	}
	if to.Terminal() {
		now := time.Now()
		j.completedAt = &now
		if to == StatusCompleted {
			j.progress = 100
		}
	}
	j.mu.Unlock()

	j.notify()
	if to.Terminal() {
		close(j.done)
		j.closeListeners()
	}
	return true
}

// setProgress raises the progress value; it never decreases and is capped
// at 99 (100 is owned by the completed transition).
func (j *Job) setProgress(p int) {
	j.mu.Lock()
	if p > 99 {
		p = 99
	}
	if p <= j.progress {
		j.mu.Unlock()
		return
	}
	j.progress = p
	j.mu.Unlock()

	j.notify()
}

// updateMetrics mutates the stage counters under the job lock.
func (j *Job) updateMetrics(fn func(*StageMetrics)) {
	j.mu.Lock()
	fn(&j.metrics)
	j.mu.Unlock()
}

func (j *Job) fail(reason string) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.status = StatusFailed
	j.err = reason
	now := time.Now()
	j.completedAt = &now
	j.mu.Unlock()

	j.notify()
	close(j.done)
	j.closeListeners()
	return true
}

func (j *Job) complete(result Result) {
	j.mu.Lock()
	j.result = &result
	j.mu.Unlock()
	j.transition(StatusCompleted)
}

// subscribe registers a listener channel for state updates. The channel is
// closed when the job ends; subscribing to a finished job yields the final
// snapshot and an immediately closed channel.
func (j *Job) subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	j.listenerMu.Lock()
	select {
	case <-j.done:
		// Terminal: closeListeners either ran already or will not see us.
		j.listenerMu.Unlock()
		ch <- j.Snapshot()
		close(ch)
		return ch
	default:
	}
	j.listeners = append(j.listeners, ch)
	j.listenerMu.Unlock()

	// Current state immediately so late subscribers are not blind.
	select {
	case ch <- j.Snapshot():
	default:
	}
	return ch
}

// notify pushes the current snapshot to all listeners without blocking;
// slow listeners miss intermediate updates.
func (j *Job) notify() {
	snap := j.Snapshot()

	j.listenerMu.Lock()
	defer j.listenerMu.Unlock()
	for _, ch := range j.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (j *Job) closeListeners() {
	j.listenerMu.Lock()
	defer j.listenerMu.Unlock()
	for _, ch := range j.listeners {
		close(ch)
	}
	j.listeners = nil
}
