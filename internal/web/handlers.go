package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/procurion/boqflow/internal/boq"
	"github.com/procurion/boqflow/internal/importer"
	"github.com/procurion/boqflow/internal/parser"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartImport accepts a multipart upload and launches an import job.
// The response carries the job id; progress is observed through the status
// or progress endpoints.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		respondError(w, r, &boq.ValidationError{Field: "file", Reason: "file too large or invalid form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, &boq.ValidationError{Field: "file", Reason: "no file provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	cfg := importer.Config{
		Title:             r.FormValue("title"),
		DuplicateHandling: importer.DuplicateHandling(r.FormValue("duplicate_handling")),
	}
	cfg.Parser.HeaderRow = formInt(r, "header_row")
	cfg.Parser.SkipRows = formInt(r, "skip_rows")
	cfg.Parser.StrictValidation = r.FormValue("strict") == "true"

	// Column mapping overrides header detection when provided
	if mappingJSON := r.FormValue("mapping"); mappingJSON != "" {
		if err := json.Unmarshal([]byte(mappingJSON), &cfg.Parser.ColumnMapping); err != nil {
			respondError(w, r, &boq.ValidationError{Field: "mapping", Reason: "invalid mapping format"})
			return
		}
	}

	input := parser.FileInput{Name: header.Filename, Size: header.Size, Data: data}
	jobID, err := s.imports.StartImport(r.Context(), input, actorFromRequest(r), cfg)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID.String()})
}

// handleImportStatus returns the current snapshot of one job.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "jobID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	snap, err := s.imports.GetJobStatus(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleImportProgress streams job progress via Server-Sent Events.
// The event ID is the progress percentage, allowing clients to skip
// already-received events after reconnection via lastEventId.
func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "jobID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	lastEventIDStr := r.URL.Query().Get("lastEventId")
	var lastEventID int
	if lastEventIDStr != "" {
		lastEventID, _ = strconv.Atoi(lastEventIDStr)
	}

	updates, err := s.imports.SubscribeProgress(id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, fmt.Errorf("streaming not supported"))
		return
	}

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				// Channel closed - job reached a terminal state
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			// Skip events the client already received (for resumption)
			if lastEventIDStr != "" && snap.Progress <= lastEventID {
				continue
			}

			data, _ := json.Marshal(snap)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", snap.Progress, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleCancelImport requests cancellation of a running job. The job moves
// to cancelled at its next stage boundary; 409 means it already finished.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "jobID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	if s.imports.CancelJob(id) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		return
	}

	if _, err := s.imports.GetJobStatus(id); err != nil {
		respondError(w, r, err)
		return
	}
	respondError(w, r, fmt.Errorf("import job %s already finished: %w", id, boq.ErrInvalidState))
}

// handleActiveImports lists all non-terminal jobs.
func (s *Server) handleActiveImports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.imports.GetActiveJobs()})
}

// handleImportHistory lists finished jobs, most recent first.
func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.imports.GetJobHistory(limit)})
}

// handleImportStats aggregates outcomes across all jobs.
func (s *Server) handleImportStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.imports.GetImportStats())
}

// handleGetBOQ returns one BOQ header.
func (s *Server) handleGetBOQ(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "boqID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	b, err := s.store.GetBOQ(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBOQResponse(b))
}

// handleListItems returns a BOQ's items in line order.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "boqID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	if _, err := s.store.GetBOQ(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}

	items, err := s.store.ListItems(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	out := make([]itemResponse, len(items))
	for i, item := range items {
		out[i] = toItemResponse(item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// handleListExceptions returns a BOQ's exceptions, optionally filtered by
// status, severity, and type query parameters.
func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "boqID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	filter := boq.ExceptionFilter{
		Status:   boq.ExceptionStatus(r.URL.Query().Get("status")),
		Severity: boq.Severity(r.URL.Query().Get("severity")),
		Type:     boq.ExceptionType(r.URL.Query().Get("type")),
	}

	exceptions, err := s.exceptions.List(r.Context(), id, filter)
	if err != nil {
		respondError(w, r, err)
		return
	}

	out := make([]exceptionResponse, len(exceptions))
	for i, exc := range exceptions {
		out[i] = toExceptionResponse(exc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": out})
}

// resolveRequest is the body for POST /api/exceptions/{id}/resolve.
type resolveRequest struct {
	Action        boq.ResolutionAction `json:"action"`
	CatalogItemID *uuid.UUID           `json:"catalogItemId,omitempty"`
	Notes         string               `json:"notes,omitempty"`
}

// handleResolveException applies a manual resolution to an open exception.
func (s *Server) handleResolveException(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "exceptionID")
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, &boq.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	actor := actorFromRequest(r)
	resolverID := actor.UserID
	if resolverID == "" {
		resolverID = "anonymous"
	}

	exc, err := s.exceptions.Resolve(r.Context(), id, boq.Resolution{
		Action:        req.Action,
		CatalogItemID: req.CatalogItemID,
		ResolverID:    resolverID,
		Notes:         req.Notes,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionResponse(exc))
}

// pathUUID parses a UUID URL parameter.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &boq.ValidationError{Field: name, Reason: "invalid id"}
	}
	return id, nil
}

// formInt reads an integer form value, zero when absent or malformed.
func formInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.FormValue(name))
	return v
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// boqResponse is the JSON projection of a BOQ header.
type boqResponse struct {
	ID             uuid.UUID            `json:"id"`
	Version        int                  `json:"version"`
	Title          string               `json:"title"`
	Status         boq.BOQStatus        `json:"status"`
	MappingStatus  boq.BOQMappingStatus `json:"mappingStatus"`
	ItemCount      int                  `json:"itemCount"`
	MappedItems    int                  `json:"mappedItems"`
	UnmappedItems  int                  `json:"unmappedItems"`
	ExceptionCount int                  `json:"exceptionCount"`
	UploadedBy     string               `json:"uploadedBy,omitempty"`
	FileName       string               `json:"fileName"`
	FileSize       int64                `json:"fileSize"`
	CreatedAt      time.Time            `json:"createdAt"`
}

func toBOQResponse(b *boq.BOQ) boqResponse {
	return boqResponse{
		ID:             b.ID,
		Version:        b.Version,
		Title:          b.Title,
		Status:         b.Status,
		MappingStatus:  b.MappingStatus,
		ItemCount:      b.ItemCount,
		MappedItems:    b.MappedItems,
		UnmappedItems:  b.UnmappedItems,
		ExceptionCount: b.ExceptionCount,
		UploadedBy:     b.UploadedBy,
		FileName:       b.FileName,
		FileSize:       b.FileSize,
		CreatedAt:      b.CreatedAt,
	}
}

// itemResponse is the JSON projection of a BOQ item.
type itemResponse struct {
	ID            uuid.UUID         `json:"id"`
	BOQID         uuid.UUID         `json:"boqId"`
	LineNumber    int               `json:"lineNumber"`
	ItemCode      string            `json:"itemCode,omitempty"`
	Description   string            `json:"description"`
	UOM           string            `json:"uom,omitempty"`
	Quantity      float64           `json:"quantity"`
	UnitPrice     *float64          `json:"unitPrice,omitempty"`
	Category      string            `json:"category,omitempty"`
	Phase         string            `json:"phase,omitempty"`
	Task          string            `json:"task,omitempty"`
	Site          string            `json:"site,omitempty"`
	CatalogItemID *uuid.UUID        `json:"catalogItemId,omitempty"`
	Confidence    int               `json:"confidence"`
	MappingStatus boq.MappingStatus `json:"mappingStatus"`
	MatchType     string            `json:"matchType,omitempty"`
}

func toItemResponse(item *boq.Item) itemResponse {
	return itemResponse{
		ID:            item.ID,
		BOQID:         item.BOQID,
		LineNumber:    item.LineNumber,
		ItemCode:      item.ItemCode,
		Description:   item.Description,
		UOM:           item.UOM,
		Quantity:      item.Quantity,
		UnitPrice:     item.UnitPrice,
		Category:      item.Category,
		Phase:         item.Phase,
		Task:          item.Task,
		Site:          item.Site,
		CatalogItemID: item.CatalogItemID,
		Confidence:    item.Confidence,
		MappingStatus: item.MappingStatus,
		MatchType:     item.MatchType,
	}
}

// exceptionResponse is the JSON projection of a mapping exception.
type exceptionResponse struct {
	ID              uuid.UUID           `json:"id"`
	BOQID           uuid.UUID           `json:"boqId"`
	ItemID          uuid.UUID           `json:"itemId"`
	LineNumber      int                 `json:"lineNumber"`
	Type            boq.ExceptionType   `json:"type"`
	Severity        boq.Severity        `json:"severity"`
	Issue           string              `json:"issue"`
	SuggestedAction string              `json:"suggestedAction,omitempty"`
	Suggestions     []boq.Candidate     `json:"suggestions,omitempty"`
	Status          boq.ExceptionStatus `json:"status"`
	Resolution      *boq.Resolution     `json:"resolution,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
}

func toExceptionResponse(exc *boq.Exception) exceptionResponse {
	return exceptionResponse{
		ID:              exc.ID,
		BOQID:           exc.BOQID,
		ItemID:          exc.ItemID,
		LineNumber:      exc.LineNumber,
		Type:            exc.Type,
		Severity:        exc.Severity,
		Issue:           exc.Issue,
		SuggestedAction: exc.SuggestedAction,
		Suggestions:     exc.Suggestions,
		Status:          exc.Status,
		Resolution:      exc.Resolution,
		CreatedAt:       exc.CreatedAt,
	}
}
