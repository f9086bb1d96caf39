// Background job tracking: optimistic records reconciled against the backend
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/utils"
)

// BackgroundJobTracker schedules jobs against a JobBackend and reconciles its
// optimistic local records with the authoritative listing on every poll.
// Terminal transitions notify exactly once each: the notification key is the
// job id plus the terminal status, so repeated polls of a finished job never
// double-fire.
type BackgroundJobTracker struct {
	backend  JobBackend
	logger   *slog.Logger
	interval time.Duration

	// InvalidateCache is called after jobs that change cached listings
	// (import, bulk delete) complete. Optional.
	InvalidateCache func(jobType string)

	mu         sync.Mutex
	lastStatus map[string]string    // jobID -> last observed status
	notified   map[string]struct{}  // jobID+status -> already notified
	optimistic map[string]RemoteJob // clientKey -> record awaiting confirmation

	stopOnce sync.Once
	stop     chan struct{}
}

// NewBackgroundJobTracker creates a tracker polling the backend at interval.
// Call Start to begin polling; Close to stop.
func NewBackgroundJobTracker(backend JobBackend, interval time.Duration) *BackgroundJobTracker {
	return &BackgroundJobTracker{
		backend:    backend,
		logger:     utils.GetLogger(),
		interval:   interval,
		lastStatus: make(map[string]string),
		notified:   make(map[string]struct{}),
		optimistic: make(map[string]RemoteJob),
		stop:       make(chan struct{}),
	}
}

// SetBackend swaps the backend (mode switch). In-flight optimistic records
// are kept; the next poll reconciles against the new listing.
func (t *BackgroundJobTracker) SetBackend(backend JobBackend) {
	t.mu.Lock()
	t.backend = backend
	t.mu.Unlock()
}

// Schedule submits a job and records it optimistically under a fresh client
// key. The returned key identifies the job until the backend confirms an id.
func (t *BackgroundJobTracker) Schedule(ctx context.Context, jobType string, params map[string]any) (string, error) {
	clientKey := uuid.New().String()

	t.mu.Lock()
	t.optimistic[clientKey] = RemoteJob{
		ClientKey: clientKey,
		Type:      jobType,
		Status:    db.JobStatusScheduled,
	}
	backend := t.backend
	t.mu.Unlock()

	jobID, err := backend.ScheduleJob(ctx, jobType, clientKey, params)
	if err != nil {
		t.mu.Lock()
		delete(t.optimistic, clientKey)
		t.mu.Unlock()
		return "", err
	}

	event.Emit(event.JobScheduledEvent{JobID: jobID, JobType: jobType})
	return clientKey, nil
}

// Start begins the poll loop.
func (t *BackgroundJobTracker) Start() {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.poll()
			}
		}
	}()
}

// Close stops polling. Safe to call multiple times.
func (t *BackgroundJobTracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// List merges the authoritative listing with optimistic records the backend
// has not confirmed yet.
func (t *BackgroundJobTracker) List(ctx context.Context) ([]RemoteJob, error) {
	t.mu.Lock()
	backend := t.backend
	t.mu.Unlock()

	jobs, err := backend.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	confirmed := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.ClientKey != "" {
			confirmed[j.ClientKey] = struct{}{}
		}
	}
	for key, opt := range t.optimistic {
		if _, ok := confirmed[key]; !ok {
			jobs = append(jobs, opt)
		}
	}
	return jobs, nil
}

func (t *BackgroundJobTracker) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()

	t.mu.Lock()
	backend := t.backend
	t.mu.Unlock()

	jobs, err := backend.ListJobs(ctx)
	if err != nil {
		t.logger.Debug("job poll failed", "error", err)
		return
	}
	t.Observe(jobs)
}

// Observe diffs the authoritative listing against the previous poll and
// emits at most one notification per terminal transition.
func (t *BackgroundJobTracker) Observe(jobs []RemoteJob) {
	type notice struct {
		job    RemoteJob
		failed bool
	}
	var notices []notice

	t.mu.Lock()
	for _, j := range jobs {
		prev := t.lastStatus[j.ID]
		t.lastStatus[j.ID] = j.Status

		// Confirmed jobs supersede their optimistic records.
		if j.ClientKey != "" {
			delete(t.optimistic, j.ClientKey)
		}

		if !db.IsTerminalJobStatus(j.Status) || prev == j.Status {
			continue
		}
		key := j.ID + ":" + j.Status
		if _, seen := t.notified[key]; seen {
			continue
		}
		t.notified[key] = struct{}{}
		notices = append(notices, notice{job: j, failed: j.Status == db.JobStatusFailed})
	}
	t.mu.Unlock()

	for _, n := range notices {
		if n.failed {
			event.Emit(event.JobFailedEvent{JobID: n.job.ID, JobType: n.job.Type, Error: n.job.Error})
			continue
		}
		if n.job.Status == db.JobStatusCompleted {
			event.Emit(event.JobCompletedEvent{JobID: n.job.ID, JobType: n.job.Type})
			if t.InvalidateCache != nil && (n.job.Type == db.JobTypeImport || n.job.Type == db.JobTypeBulkDelete) {
				t.InvalidateCache(n.job.Type)
			}
		}
	}
}

// Dismiss removes a finished job from local tracking.
func (t *BackgroundJobTracker) Dismiss(jobID string) {
	t.mu.Lock()
	delete(t.lastStatus, jobID)
	t.mu.Unlock()
}
