package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/arturoeanton/rag-service/internal/port"
	"github.com/arturoeanton/rag-service/internal/service"
)

// Job states.
const (
	JobRunning  = "running"
	JobComplete = "complete"
	JobError    = "error"
)

// JobStatus represents the current state of a background ingestion.
type JobStatus struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Embedded     int       `json:"embedded"`
	Total        int       `json:"total"`
	ChunkIDs     []string  `json:"chunk_ids"`
	EmbeddingDim *int      `json:"embedding_dim"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

func (s JobStatus) done() bool {
	return s.Status == JobComplete || s.Status == JobError
}

// JobTracker keeps ingestion jobs in memory and fans updates out to subscribers.
type JobTracker struct {
	mu   sync.RWMutex
	jobs map[string]*JobStatus
	subs map[string][]chan JobStatus
}

// NewJobTracker creates a new job tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{
		jobs: make(map[string]*JobStatus),
		subs: make(map[string][]chan JobStatus),
	}
}

// Create registers a running job.
func (t *JobTracker) Create(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = &JobStatus{
		ID:        id,
		Status:    JobRunning,
		ChunkIDs:  []string{},
		StartedAt: time.Now(),
	}
}

// Progress records how many chunks have been embedded.
func (t *JobTracker) Progress(id string, embedded, total int) {
	t.update(id, func(j *JobStatus) {
		j.Embedded = embedded
		j.Total = total
	})
}

// Complete marks a job finished with the ids it created.
func (t *JobTracker) Complete(id string, chunkIDs []string, dim *int) {
	t.update(id, func(j *JobStatus) {
		j.Status = JobComplete
		j.ChunkIDs = chunkIDs
		j.EmbeddingDim = dim
		j.Total = len(chunkIDs)
		j.CompletedAt = time.Now()
	})
}

// Fail marks a job failed.
func (t *JobTracker) Fail(id string, err error) {
	t.update(id, func(j *JobStatus) {
		j.Status = JobError
		j.Error = err.Error()
		j.CompletedAt = time.Now()
	})
}

func (t *JobTracker) update(id string, fn func(*JobStatus)) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(job)
	snapshot := *job
	subs := append([]chan JobStatus(nil), t.subs[id]...)
	t.mu.Unlock()

	for _, ch := range subs {
		if snapshot.done() {
			sendTerminal(ch, snapshot)
			continue
		}
		select {
		case ch <- snapshot:
		default:
			// a slow reader only misses intermediate progress
		}
	}
}

// sendTerminal delivers the final snapshot, evicting stale progress from a full
// buffer. Updates for one job come from a single goroutine, so nothing else
// refills the buffer between the eviction and the send.
func sendTerminal(ch chan JobStatus, snapshot JobStatus) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Get returns a snapshot of a job.
func (t *JobTracker) Get(id string) (JobStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", port.ErrJobNotFound, id)
	}
	return *job, nil
}

// Subscribe returns a channel that receives job updates.
func (t *JobTracker) Subscribe(id string) chan JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan JobStatus, 10)
	t.subs[id] = append(t.subs[id], ch)
	return ch
}

// Unsubscribe removes a channel from subscribers.
func (t *JobTracker) Unsubscribe(id string, ch chan JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[id]
	for i, s := range subs {
		if s == ch {
			t.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subs[id]) == 0 {
		delete(t.subs, id)
	}
}

// JobsHandler runs ingestion in the background and reports on it.
type JobsHandler struct {
	ragService *service.RAGService
	tracker    *JobTracker
	// base outlives any single request and is cancelled on shutdown.
	base       context.Context
	sseTimeout time.Duration
}

// NewJobsHandler creates a new jobs handler. Jobs run under base.
func NewJobsHandler(base context.Context, ragService *service.RAGService, tracker *JobTracker) *JobsHandler {
	return &JobsHandler{
		ragService: ragService,
		tracker:    tracker,
		base:       base,
		sseTimeout: 5 * time.Minute,
	}
}

// Register sets up job routes.
func (h *JobsHandler) Register(router fiber.Router) {
	v1 := router.Group("/v1")
	v1.Post("/ingest/jobs", h.Start)
	v1.Get("/jobs/:id", h.GetStatus)
	v1.Get("/jobs/:id/stream", h.StreamSSE)
}

// Start accepts text and returns 202 immediately with the job id.
func (h *JobsHandler) Start(c fiber.Ctx) error {
	var body ingestRequest
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Text == nil {
		return badRequest(c, "text is required")
	}

	jobID := uuid.NewString()
	h.tracker.Create(jobID)
	go h.run(jobID, *body.Text)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":  jobID,
		"message": "ingestion started",
	})
}

func (h *JobsHandler) run(jobID, text string) {
	slog.Info("ingest job started", "job_id", jobID)
	result, err := h.ragService.Ingest(h.base, text, func(done, total int) {
		h.tracker.Progress(jobID, done, total)
	})
	if err != nil {
		slog.Error("ingest job failed", "job_id", jobID, "error", err)
		h.tracker.Fail(jobID, err)
		return
	}
	h.tracker.Complete(jobID, result.ChunkIDs, result.EmbeddingDim)
	slog.Info("ingest job complete", "job_id", jobID, "chunks", len(result.ChunkIDs))
}

// GetStatus returns the current job status.
func (h *JobsHandler) GetStatus(c fiber.Ctx) error {
	job, err := h.tracker.Get(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(job)
}

// StreamSSE streams job updates via Server-Sent Events.
func (h *JobsHandler) StreamSSE(c fiber.Ctx) error {
	id := c.Params("id")

	job, err := h.tracker.Get(id)
	if err != nil {
		return respondError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	if job.done() {
		return c.SendString(sseEvent(job))
	}

	ch := h.tracker.Subscribe(id)
	// re-read after subscribing so a completion in between is not lost
	if job, err = h.tracker.Get(id); err == nil && job.done() {
		h.tracker.Unsubscribe(id, ch)
		return c.SendString(sseEvent(job))
	}

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.tracker.Unsubscribe(id, ch)

		fmt.Fprint(w, sseEvent(job))
		if err := w.Flush(); err != nil {
			return
		}

		timeout := time.After(h.sseTimeout)
		for {
			select {
			case update := <-ch:
				fmt.Fprint(w, sseEvent(update))
				if err := w.Flush(); err != nil {
					return
				}
				if update.done() {
					return
				}
			case <-timeout:
				slog.Warn("SSE timeout", "job_id", id)
				return
			}
		}
	})
}

func sseEvent(job JobStatus) string {
	event := "progress"
	if job.done() {
		event = job.Status
	}
	data, _ := json.Marshal(job)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}
