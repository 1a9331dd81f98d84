package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/audit"
	"github.com/procurion/boqflow/internal/boq"
	"github.com/procurion/boqflow/internal/catalog/match"
	"github.com/procurion/boqflow/internal/parser"
	"github.com/procurion/boqflow/internal/store"
)

// MaxFileSize is the largest accepted upload (100MB).
var MaxFileSize int64 = 100 * 1024 * 1024

// DefaultJobTimeout bounds one import run end to end.
var DefaultJobTimeout = 10 * time.Minute

// DuplicateHandling selects what happens when two rows share a key
// (item code, or description+uom when the code is empty).
type DuplicateHandling string

const (
	// DuplicateSkip drops later occurrences.
	DuplicateSkip DuplicateHandling = "skip"
	// DuplicateUpdate merges later occurrences into the first one.
	DuplicateUpdate DuplicateHandling = "update"
	// DuplicateCreateNew keeps every occurrence.
	DuplicateCreateNew DuplicateHandling = "create_new"
)

// Progress checkpoints per stage. Saving stops at 99; only the completed
// transition writes 100.
const (
	progressParseEnd    = 25
	progressMapEnd      = 60
	progressValidateEnd = 70
	progressSaveEnd     = 99
)

// Config is the per-import configuration supplied by the caller.
type Config struct {
	// Title names the resulting BOQ; defaults to the file name.
	Title string

	Parser parser.Config

	// DuplicateHandling defaults to DuplicateSkip.
	DuplicateHandling DuplicateHandling
}

// Deps carries the orchestrator's collaborators. Store, Parser, and
// Matcher are required; the rest default sensibly.
type Deps struct {
	Store      store.Store
	Parser     parser.Parser
	Matcher    *match.Matcher
	Exceptions *boq.ExceptionManager
	Audit      audit.Logger
	Jobs       JobStore
	Limiter    *Limiter
	Thresholds boq.Thresholds
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Orchestrator runs imports as asynchronous jobs and answers status queries.
type Orchestrator struct {
	store      store.Store
	parser     parser.Parser
	matcher    *match.Matcher
	exceptions *boq.ExceptionManager
	audit      audit.Logger
	jobs       JobStore
	limiter    *Limiter
	thresholds boq.Thresholds
	jobTimeout time.Duration
	log        *slog.Logger
}

// NewOrchestrator wires an orchestrator from its dependencies.
func NewOrchestrator(deps Deps) *Orchestrator {
	o := &Orchestrator{
		store:      deps.Store,
		parser:     deps.Parser,
		matcher:    deps.Matcher,
		exceptions: deps.Exceptions,
		audit:      deps.Audit,
		jobs:       deps.Jobs,
		limiter:    deps.Limiter,
		thresholds: deps.Thresholds,
		jobTimeout: deps.JobTimeout,
		log:        deps.Logger,
	}
	if o.exceptions == nil {
		o.exceptions = boq.NewExceptionManager(deps.Store, deps.Audit)
	}
	if o.audit == nil {
		o.audit = audit.Nop{}
	}
	if o.jobs == nil {
		o.jobs = NewMemJobStore()
	}
	if o.limiter == nil {
		o.limiter = NewLimiter(0, 0)
	}
	if o.thresholds == (boq.Thresholds{}) {
		o.thresholds = boq.DefaultThresholds
	}
	if o.jobTimeout <= 0 {
		o.jobTimeout = DefaultJobTimeout
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// StartImport validates the request, reserves an import slot, and launches
// the job. It returns as soon as the job is queued; progress is observed
// through GetJobStatus or SubscribeProgress.
func (o *Orchestrator) StartImport(ctx context.Context, file parser.FileInput, actor audit.Actor, cfg Config) (uuid.UUID, error) {
	if len(file.Data) == 0 {
		return uuid.Nil, &boq.ValidationError{Field: "file", Reason: "empty file"}
	}
	size := file.Size
	if size == 0 {
		size = int64(len(file.Data))
	}
	if size > MaxFileSize {
		return uuid.Nil, &boq.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("exceeds %dMB limit", MaxFileSize/(1024*1024)),
		}
	}
	if cfg.DuplicateHandling == "" {
		cfg.DuplicateHandling = DuplicateSkip
	}
	switch cfg.DuplicateHandling {
	case DuplicateSkip, DuplicateUpdate, DuplicateCreateNew:
	default:
		return uuid.Nil, &boq.ValidationError{
			Field:  "duplicateHandling",
			Reason: fmt.Sprintf("unknown policy %q", cfg.DuplicateHandling),
		}
	}
	if cfg.Title == "" {
		cfg.Title = file.Name
	}

	if err := o.limiter.Acquire(ctx); err != nil {
		return uuid.Nil, err
	}

	// The job outlives the request; it gets its own timeout context.
	jobCtx, cancel := context.WithTimeout(context.Background(), o.jobTimeout)

	job := newJob(file.Name, size, cancel)
	o.jobs.Put(job)

	go func() {
		defer o.limiter.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("panic in import job", "job_id", job.ID(), "panic", r)
				job.fail(fmt.Sprintf("internal error: %v", r))
			}
		}()
		o.run(jobCtx, job, file, actor, cfg)
	}()

	return job.ID(), nil
}

// run drives the job through its stages. Cancellation and timeout are
// honored at stage boundaries only.
func (o *Orchestrator) run(ctx context.Context, job *Job, file parser.FileInput, actor audit.Actor, cfg Config) {
	if o.checkpoint(ctx, job) {
		return
	}
	job.transition(StatusParsing)
	o.log.Info("import started", "job_id", job.ID(), "file", file.Name, "size", job.fileSize)

	parseStart := time.Now()
	res, err := o.parser.Parse(ctx, file, cfg.Parser, func(processed, total int) {
		if total > 0 {
			job.setProgress(processed * progressParseEnd / total)
		}
	})
	if err != nil {
		if o.checkpoint(ctx, job) {
			return
		}
		job.fail(fmt.Sprintf("parse file: %v", err))
		return
	}

	job.updateMetrics(func(m *StageMetrics) {
		m.TotalRows = res.Metadata.TotalRows
		m.ProcessedRows = res.Metadata.ProcessedRows
		m.ValidRows = res.Metadata.ValidRows
		m.SkippedRows = res.Metadata.SkippedRows
		m.ParseErrors = len(res.Errors)
		m.ParseTimeMs = time.Since(parseStart).Milliseconds()
	})

	// No usable rows plus at least one parse error means the file itself is
	// broken; surface the first error.
	if len(res.Items) == 0 && len(res.Errors) > 0 {
		first := res.Errors[0]
		job.fail(fmt.Sprintf("line %d: %s", first.LineNumber, first.Reason))
		return
	}
	job.setProgress(progressParseEnd)

	if o.checkpoint(ctx, job) {
		return
	}
	job.transition(StatusMapping)

	matchStart := time.Now()
	rows := make([]match.Row, len(res.Items))
	for i, line := range res.Items {
		rows[i] = match.Row{
			LineNumber:  line.LineNumber,
			ItemCode:    line.ItemCode,
			Description: line.Description,
		}
	}
	results, _ := o.matcher.BatchMatch(ctx, rows, func(processed, total int) {
		if total > 0 {
			job.setProgress(progressParseEnd + processed*(progressMapEnd-progressParseEnd)/total)
		}
	})

	outcomes := make([]boq.Outcome, len(res.Items))
	for i := range res.Items {
		outcomes[i] = boq.Decide(res.Items[i], results[i].Candidates, results[i].Err, o.thresholds)
	}
	job.updateMetrics(func(m *StageMetrics) {
		m.MatchTimeMs = time.Since(matchStart).Milliseconds()
	})
	job.setProgress(progressMapEnd)

	if o.checkpoint(ctx, job) {
		return
	}
	job.transition(StatusValidating)

	kept, duplicates := applyDuplicatePolicy(res.Items, outcomes, cfg.DuplicateHandling)
	job.updateMetrics(func(m *StageMetrics) {
		m.SkippedRows += duplicates
		for _, entry := range kept {
			switch entry.outcome.Decision {
			case boq.DecisionMapped:
				m.AutoMapped++
			case boq.DecisionNeedsReview:
				m.NeedsReview++
			default:
				m.Unmapped++
			}
		}
	})
	job.setProgress(progressValidateEnd)

	if o.checkpoint(ctx, job) {
		return
	}
	job.transition(StatusSaving)

	// Writes in flight are not interrupted; cancellation was already checked
	// at the stage boundary and partial writes are never rolled back.
	saveCtx := context.WithoutCancel(ctx)
	saveStart := time.Now()

	b := &boq.BOQ{
		ID:         uuid.New(),
		Version:    1,
		Title:      cfg.Title,
		Status:     boq.BOQDraft,
		UploadedBy: actor.UserID,
		FileName:   file.Name,
		FileSize:   job.fileSize,
		CreatedAt:  time.Now(),
	}
	if err := o.store.CreateBOQ(saveCtx, b); err != nil {
		job.fail(fmt.Sprintf("create boq: %v", err))
		return
	}

	var itemsCreated, exceptionsCreated, mapped, unmapped int
	for i, entry := range kept {
		item := buildItem(b.ID, entry.line, entry.outcome)
		if err := o.store.InsertItem(saveCtx, item); err != nil {
			o.log.Warn("persist boq item failed",
				"job_id", job.ID(), "boq_id", b.ID, "line", item.LineNumber, "error", err)
			job.updateMetrics(func(m *StageMetrics) { m.ItemsFailed++ })
			continue
		}
		itemsCreated++
		if entry.outcome.Decision == boq.DecisionMapped {
			mapped++
		} else {
			unmapped++
		}

		if exc := boq.ExceptionFor(b.ID, item.ID, entry.line, entry.outcome); exc != nil {
			if err := o.exceptions.Create(saveCtx, exc); err != nil {
				o.log.Warn("persist exception failed",
					"job_id", job.ID(), "boq_id", b.ID, "line", item.LineNumber, "error", err)
				job.updateMetrics(func(m *StageMetrics) { m.ExceptionsFailed++ })
			} else {
				exceptionsCreated++
			}
		}

		job.setProgress(progressValidateEnd + (i+1)*(progressSaveEnd-progressValidateEnd)/len(kept))
	}

	b.SetCounts(mapped, unmapped, exceptionsCreated)
	b.Status = boq.BOQActive
	if err := o.store.UpdateBOQCounts(saveCtx, b); err != nil {
		o.log.Warn("update boq counts failed", "job_id", job.ID(), "boq_id", b.ID, "error", err)
	}

	job.updateMetrics(func(m *StageMetrics) {
		m.Exceptions = exceptionsCreated
		m.SaveTimeMs = time.Since(saveStart).Milliseconds()
	})

	result := Result{BOQID: b.ID, ItemsCreated: itemsCreated, ExceptionsCreated: exceptionsCreated}
	job.complete(result)
	o.log.Info("import completed",
		"job_id", job.ID(), "boq_id", b.ID,
		"items", itemsCreated, "exceptions", exceptionsCreated)

	if err := o.audit.LogAction(saveCtx, audit.Entry{
		Action:     "import_completed",
		EntityType: "boq",
		EntityID:   b.ID.String(),
		ActorID:    actor.UserID,
		ActorName:  actor.UserName,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		Metadata: map[string]any{
			"job_id":             job.ID().String(),
			"file_name":          file.Name,
			"items_created":      itemsCreated,
			"exceptions_created": exceptionsCreated,
		},
	}); err != nil {
		o.log.Warn("audit log failed for import", "job_id", job.ID(), "error", err)
	}
}

// checkpoint ends the job if its context expired: cancelled for a caller
// cancel, failed for a timeout. Returns true when the job ended.
func (o *Orchestrator) checkpoint(ctx context.Context, job *Job) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		job.fail("import timed out")
	} else {
		job.transition(StatusCancelled)
		o.log.Info("import cancelled", "job_id", job.ID())
	}
	return true
}

// GetJobStatus returns the job's current snapshot.
func (o *Orchestrator) GetJobStatus(id uuid.UUID) (Snapshot, error) {
	job, ok := o.jobs.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("import job %s: %w", id, boq.ErrNotFound)
	}
	return job.Snapshot(), nil
}

// CancelJob requests cancellation. It returns false when the job is
// unknown or already terminal; the job itself moves to cancelled at its
// next stage boundary.
func (o *Orchestrator) CancelJob(id uuid.UUID) bool {
	job, ok := o.jobs.Get(id)
	if !ok {
		return false
	}
	if job.Snapshot().Status.Terminal() {
		return false
	}
	job.cancel()
	return true
}

// GetActiveJobs returns snapshots of all non-terminal jobs.
func (o *Orchestrator) GetActiveJobs() []Snapshot {
	return snapshots(o.jobs.Active())
}

// GetJobHistory returns finished jobs, most recent first.
func (o *Orchestrator) GetJobHistory(limit int) []Snapshot {
	return snapshots(o.jobs.History(limit))
}

// GetImportStats aggregates outcomes across all jobs.
func (o *Orchestrator) GetImportStats() Stats {
	return o.jobs.Stats()
}

// SubscribeProgress returns a channel of job snapshots, closed when the
// job ends. Slow consumers miss intermediate updates, never block the job.
func (o *Orchestrator) SubscribeProgress(id uuid.UUID) (<-chan Snapshot, error) {
	job, ok := o.jobs.Get(id)
	if !ok {
		return nil, fmt.Errorf("import job %s: %w", id, boq.ErrNotFound)
	}
	return job.subscribe(), nil
}

// Wait blocks until the job ends or ctx is done, then returns the final
// snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	job, ok := o.jobs.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("import job %s: %w", id, boq.ErrNotFound)
	}
	select {
	case <-job.Done():
		return job.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Drain blocks until all running imports finish. Used during shutdown.
func (o *Orchestrator) Drain(ctx context.Context) error {
	return o.limiter.WaitForDrain(ctx)
}

func snapshots(jobs []*Job) []Snapshot {
	out := make([]Snapshot, len(jobs))
	for i, job := range jobs {
		out[i] = job.Snapshot()
	}
	return out
}

// mappedLine pairs a surviving row with its mapping outcome.
type mappedLine struct {
	line    boq.LineInput
	outcome boq.Outcome
}

// applyDuplicatePolicy runs sequentially over rows in order; duplicate
// detection depends on encountering the first occurrence first.
func applyDuplicatePolicy(lines []boq.LineInput, outcomes []boq.Outcome, policy DuplicateHandling) (kept []mappedLine, duplicates int) {
	if policy == DuplicateCreateNew {
		kept = make([]mappedLine, len(lines))
		for i := range lines {
			kept[i] = mappedLine{line: lines[i], outcome: outcomes[i]}
		}
		return kept, 0
	}

	seen := make(map[string]int)
	for i := range lines {
		key := duplicateKey(lines[i])
		if idx, ok := seen[key]; ok {
			duplicates++
			if policy == DuplicateUpdate {
				mergeLine(&kept[idx].line, lines[i])
			}
			continue
		}
		seen[key] = len(kept)
		kept = append(kept, mappedLine{line: lines[i], outcome: outcomes[i]})
	}
	return kept, duplicates
}

// duplicateKey identifies a row by item code, falling back to
// description+uom when no code is present.
func duplicateKey(line boq.LineInput) string {
	if code := strings.ToLower(strings.TrimSpace(line.ItemCode)); code != "" {
		return "code:" + code
	}
	return "desc:" + strings.ToLower(strings.TrimSpace(line.Description)) +
		"|" + strings.ToLower(strings.TrimSpace(line.UOM))
}

// mergeLine folds a duplicate into its first occurrence: quantities add up,
// empty fields are filled in.
func mergeLine(dst *boq.LineInput, src boq.LineInput) {
	dst.Quantity += src.Quantity
	if dst.UOM == "" {
		dst.UOM = src.UOM
	}
	if dst.UnitPrice == nil {
		dst.UnitPrice = src.UnitPrice
	}
	if dst.Category == "" {
		dst.Category = src.Category
	}
	if dst.Phase == "" {
		dst.Phase = src.Phase
	}
	if dst.Task == "" {
		dst.Task = src.Task
	}
	if dst.Site == "" {
		dst.Site = src.Site
	}
}

func buildItem(boqID uuid.UUID, line boq.LineInput, outcome boq.Outcome) *boq.Item {
	item := &boq.Item{
		ID:            uuid.New(),
		BOQID:         boqID,
		LineNumber:    line.LineNumber,
		ItemCode:      line.ItemCode,
		Description:   line.Description,
		UOM:           line.UOM,
		Quantity:      line.Quantity,
		UnitPrice:     line.UnitPrice,
		Category:      line.Category,
		Phase:         line.Phase,
		Task:          line.Task,
		Site:          line.Site,
		Confidence:    outcome.Confidence,
		MappingStatus: outcome.ItemStatus(),
		Raw:           line.Raw,
	}
	if outcome.Chosen != nil {
		id := outcome.Chosen.CatalogItemID
		item.CatalogItemID = &id
		item.MatchType = outcome.Chosen.MatchType
	}
	return item
}
