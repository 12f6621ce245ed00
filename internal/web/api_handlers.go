package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/hydrate"
	"github.com/macjediwizard/calmirror/internal/logging"
	"github.com/macjediwizard/calmirror/internal/reconcile"
	"github.com/macjediwizard/calmirror/internal/scheduler"
	"github.com/macjediwizard/calmirror/internal/status"
)

const (
	defaultLogLimit      = 50
	maxLogLimit          = 500
	defaultOccurrenceWin = 7 * 24 * time.Hour
	maxOccurrenceWin     = 366 * 24 * time.Hour
)

var errInvalidEntry = errors.New("invalid entry")

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db        *db.DB
	engine    *reconcile.Engine
	scheduler *scheduler.Scheduler
	hydrator  *hydrate.Hydrator
	publisher *status.Publisher
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	database *db.DB,
	engine *reconcile.Engine,
	sched *scheduler.Scheduler,
	hydrator *hydrate.Hydrator,
	publisher *status.Publisher,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		db:        database,
		engine:    engine,
		scheduler: sched,
		hydrator:  hydrator,
		publisher: publisher,
		logger:    logging.OrDefault(logger).With("component", "web"),
	}
}

// sanitizeError logs err server-side and returns userMessage.
func (h *Handlers) sanitizeError(err error, userMessage string) string {
	if err != nil {
		h.logger.Error(userMessage, "error", err)
	}
	return userMessage
}

// APIStatus is the combined sync status.
type APIStatus struct {
	Sync          status.Status        `json:"sync"`
	Scheduler     scheduler.RunState   `json:"scheduler"`
	Authenticated bool                 `json:"authenticated"`
	PendingPushes int                  `json:"pending_pushes"`
	FailedPushes  int                  `json:"failed_pushes"`
	FailedOps     []*db.OutboxOp       `json:"failed_ops"`
	Malformed     int                  `json:"malformed_entries"`
	Recent        []*reconcile.Outcome `json:"recent_outcomes"`
}

// APIEntryRequest is the body of entry create and update requests.
type APIEntryRequest struct {
	SourceID    string `json:"source_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location"`
	AllDay      bool   `json:"all_day"`
	Recurrence  string `json:"recurrence"`
	Color       string `json:"color"`
}

func (r *APIEntryRequest) toEntry() (*db.CalendarEntry, error) {
	if r.Title == "" || r.Start == "" || r.End == "" {
		return nil, errInvalidEntry
	}

	layout := time.RFC3339
	if r.AllDay {
		layout = db.DateLayout
	}
	start, err := time.Parse(layout, r.Start)
	if err != nil {
		return nil, errInvalidEntry
	}
	end, err := time.Parse(layout, r.End)
	if err != nil || end.Before(start) {
		return nil, errInvalidEntry
	}

	return &db.CalendarEntry{
		SourceID:    r.SourceID,
		Title:       r.Title,
		Description: r.Description,
		Start:       r.Start,
		End:         r.End,
		Location:    r.Location,
		AllDay:      r.AllDay,
		Recurrence:  r.Recurrence,
		Color:       r.Color,
	}, nil
}

// HealthCheck reports whether the local store is reachable.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		h.sanitizeError(err, "database unreachable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// APIStatus returns the sync status, scheduler state and outbox counts.
func (h *Handlers) APIStatus(c *gin.Context) {
	pending, failed, err := h.db.CountOutbox()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to load status")})
		return
	}

	failedOps, err := h.db.GetFailedOutbox()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to load status")})
		return
	}
	if failedOps == nil {
		failedOps = []*db.OutboxOp{}
	}

	malformed, err := h.db.GetMalformedEntries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to load status")})
		return
	}

	c.JSON(http.StatusOK, APIStatus{
		Sync:          h.publisher.Status(),
		Scheduler:     h.scheduler.RunState(),
		Authenticated: h.scheduler.Authenticated(),
		PendingPushes: pending,
		FailedPushes:  failed,
		FailedOps:     failedOps,
		Malformed:     len(malformed),
		Recent:        h.publisher.Recent(),
	})
}

// APITriggerSync runs a sync, or joins the running one, and returns its outcome.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	out, err := h.scheduler.TriggerManualSync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"message": "Sync still running"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// APIRetrySync requeues failed pushes and runs a sync.
func (h *Handlers) APIRetrySync(c *gin.Context) {
	out, err := h.scheduler.Retry(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"message": "Sync still running"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// APIListEntries returns the current snapshot.
func (h *Handlers) APIListEntries(c *gin.Context) {
	c.JSON(http.StatusOK, h.hydrator.Current())
}

// APIOccurrences expands the snapshot between the from and to query
// parameters (RFC3339) in the tz location. The window defaults to a week
// from today.
func (h *Handlers) APIOccurrences(c *gin.Context) {
	loc := time.Local
	if tz := c.Query("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid time zone"})
			return
		}
		loc = l
	}

	now := time.Now().In(loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from"})
			return
		}
		from = t
	}

	to := from.Add(defaultOccurrenceWin)
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to"})
			return
		}
		to = t
	}

	if !to.After(from) || to.Sub(from) > maxOccurrenceWin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid range"})
		return
	}

	occurrences := h.hydrator.Current().Occurrences(from, to, loc)
	if occurrences == nil {
		occurrences = []hydrate.Occurrence{}
	}
	c.JSON(http.StatusOK, occurrences)
}

// APICreateEntry creates an entry locally and pushes it.
func (h *Handlers) APICreateEntry(c *gin.Context) {
	var req APIEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	entry, err := req.toEntry()
	if err != nil || req.SourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid fields"})
		return
	}

	created, err := h.engine.CreateEntry(c.Request.Context(), entry)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to create entry")})
		return
	}

	h.rehydrate()
	c.JSON(http.StatusCreated, created)
}

// APIUpdateEntry replaces an entry and pushes it.
func (h *Handlers) APIUpdateEntry(c *gin.Context) {
	var req APIEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	entry, err := req.toEntry()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid fields"})
		return
	}
	entry.ID = c.Param("id")

	updated, err := h.engine.UpdateEntry(c.Request.Context(), entry)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to update entry")})
		return
	}

	h.rehydrate()
	c.JSON(http.StatusOK, updated)
}

// APIDeleteEntry deletes an entry locally and remotely.
func (h *Handlers) APIDeleteEntry(c *gin.Context) {
	err := h.engine.DeleteEntry(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entry not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to delete entry")})
		return
	}

	h.rehydrate()
	c.JSON(http.StatusOK, gin.H{"message": "Entry deleted"})
}

// APIListSources returns all sources.
func (h *Handlers) APIListSources(c *gin.Context) {
	sources, err := h.db.GetSources()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to load sources")})
		return
	}
	if sources == nil {
		sources = []*db.Source{}
	}
	c.JSON(http.StatusOK, sources)
}

// APIToggleSource enables or disables a source.
func (h *Handlers) APIToggleSource(c *gin.Context) {
	source, err := h.db.GetSourceByID(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to load source")})
		return
	}

	if err := h.db.SetSourceEnabled(source.ID, !source.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to update source")})
		return
	}
	source.Enabled = !source.Enabled

	h.rehydrate()
	c.JSON(http.StatusOK, source)
}

// APIGetLogs returns recent sync logs. The limit query parameter defaults
// to 50 and is capped at 500.
func (h *Handlers) APIGetLogs(c *gin.Context) {
	limit := defaultLogLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxLogLimit)
		}
	}

	logs, err := h.db.GetSyncLogs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to load logs")})
		return
	}
	if logs == nil {
		logs = []*db.SyncLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// APIGetMalformedEntries returns remote objects that could not be decoded.
func (h *Handlers) APIGetMalformedEntries(c *gin.Context) {
	entries, err := h.db.GetMalformedEntries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": h.sanitizeError(err, "Failed to load malformed entries")})
		return
	}
	if entries == nil {
		entries = []*db.MalformedEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// rehydrate republishes the snapshot after a local write, or leaves it to
// the sync attempt in flight.
func (h *Handlers) rehydrate() {
	deferred, err := h.scheduler.Refresh()
	if err != nil {
		h.logger.Error("failed to rebuild snapshot", "error", err)
		return
	}
	if deferred {
		h.logger.Debug("snapshot rebuild deferred to running sync")
	}
}
