// Local job backend: executes export/import/bulk-delete jobs in-process
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/utils"
)

// JobBackend is what the tracker polls and schedules against. In server mode
// the remote BackendClient implements it; in private mode LocalJobService
// runs the jobs in-process.
type JobBackend interface {
	ScheduleJob(ctx context.Context, jobType, clientKey string, params map[string]any) (string, error)
	ListJobs(ctx context.Context) ([]RemoteJob, error)
}

var _ JobBackend = (*BackendClient)(nil)
var _ JobBackend = (*LocalJobService)(nil)

// jobRunner performs one job. update persists progress counts as it goes.
type jobRunner func(ctx context.Context, params map[string]any, update func(processed, total int)) (*db.JobResult, error)

type jobRuntime struct {
	job    *db.Job
	params map[string]any
	ctx    context.Context
	cancel context.CancelFunc
}

// LocalJobService executes background jobs with a small worker pool and
// persists job rows so the listing survives a restart. Scheduling is
// idempotent on the client key: re-submitting a key returns the existing job.
type LocalJobService struct {
	mu sync.Mutex

	gdb        *gorm.DB
	logger     *slog.Logger
	exportDir  string
	maxWorkers int
	queue      []*jobRuntime
	running    map[string]*jobRuntime
}

// NewLocalJobService creates the in-process job backend.
func NewLocalJobService(gdb *gorm.DB, maxWorkers int) *LocalJobService {
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	exportDir := "exports"
	if home, err := os.UserHomeDir(); err == nil {
		exportDir = filepath.Join(home, ".quillchat", "exports")
	}
	return &LocalJobService{
		gdb:        gdb,
		logger:     utils.GetLogger(),
		exportDir:  exportDir,
		maxWorkers: maxWorkers,
		running:    make(map[string]*jobRuntime),
	}
}

// ScheduleJob enqueues a job. The client key makes the call idempotent.
func (s *LocalJobService) ScheduleJob(ctx context.Context, jobType, clientKey string, params map[string]any) (string, error) {
	switch jobType {
	case db.JobTypeExport, db.JobTypeImport, db.JobTypeBulkDelete:
	default:
		return "", errors.Errorf("unknown job type: %s", jobType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing db.Job
	if err := s.gdb.First(&existing, "client_key = ?", clientKey).Error; err == nil {
		return existing.ID, nil
	}

	job := &db.Job{
		ID:        uuid.New().String(),
		ClientKey: clientKey,
		Type:      jobType,
		Status:    db.JobStatusScheduled,
	}
	if err := s.gdb.Create(job).Error; err != nil {
		return "", errors.Wrap(err, "failed to persist job")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.queue = append(s.queue, &jobRuntime{job: job, params: params, ctx: runCtx, cancel: cancel})
	go s.maybeStartWorkers()
	return job.ID, nil
}

// ListJobs returns all known jobs, newest first.
func (s *LocalJobService) ListJobs(ctx context.Context) ([]RemoteJob, error) {
	var jobs []db.Job
	if err := s.gdb.Order("created_at DESC").Limit(200).Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	out := make([]RemoteJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, RemoteJob{
			ID:        j.ID,
			ClientKey: j.ClientKey,
			Type:      j.Type,
			Status:    j.Status,
			Processed: j.Processed,
			Total:     j.Total,
			Error:     j.Error,
			Result:    j.Result,
		})
	}
	return out, nil
}

// CancelJob cancels a queued or running job.
func (s *LocalJobService) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rt := range s.queue {
		if rt.job.ID == id {
			rt.cancel()
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			rt.job.Status = db.JobStatusCanceled
			s.saveJob(rt.job)
			return nil
		}
	}
	if rt, ok := s.running[id]; ok {
		rt.cancel()
		return nil
	}
	return errors.New("job not found")
}

func (s *LocalJobService) maybeStartWorkers() {
	for {
		s.mu.Lock()
		if len(s.running) >= s.maxWorkers || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		rt := s.queue[0]
		s.queue = s.queue[1:]
		rt.job.Status = db.JobStatusRunning
		s.running[rt.job.ID] = rt
		s.saveJob(rt.job)
		s.mu.Unlock()

		runner := s.runnerFor(rt.job.Type)
		result, err := runner(rt.ctx, rt.params, func(processed, total int) {
			s.mu.Lock()
			rt.job.Processed = processed
			rt.job.Total = total
			s.saveJob(rt.job)
			s.mu.Unlock()
		})

		s.mu.Lock()
		delete(s.running, rt.job.ID)
		switch {
		case errors.Is(err, context.Canceled):
			rt.job.Status = db.JobStatusCanceled
		case err != nil:
			rt.job.Status = db.JobStatusFailed
			rt.job.Error = err.Error()
		default:
			rt.job.Status = db.JobStatusCompleted
			rt.job.Result = result
		}
		s.saveJob(rt.job)
		s.mu.Unlock()
	}
}

func (s *LocalJobService) runnerFor(jobType string) jobRunner {
	switch jobType {
	case db.JobTypeExport:
		return s.runExport
	case db.JobTypeImport:
		return s.runImport
	default:
		return s.runBulkDelete
	}
}

// exportArchive is the on-disk format produced by export and read by import.
type exportArchive struct {
	ExportedAt    time.Time         `json:"exported_at"`
	Conversations []db.Conversation `json:"conversations"`
	Messages      []db.Message      `json:"messages"`
}

func (s *LocalJobService) runExport(ctx context.Context, params map[string]any, update func(processed, total int)) (*db.JobResult, error) {
	var conversations []db.Conversation
	if err := s.gdb.Order("created_at ASC").Find(&conversations).Error; err != nil {
		return nil, errors.Wrap(err, "failed to read conversations")
	}

	archive := exportArchive{ExportedAt: time.Now(), Conversations: conversations}
	for i, conv := range conversations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var msgs []db.Message
		if err := s.gdb.Where("conversation_id = ?", conv.ID).Order("created_at ASC").Find(&msgs).Error; err != nil {
			return nil, errors.Wrap(err, "failed to read messages")
		}
		archive.Messages = append(archive.Messages, msgs...)
		update(i+1, len(conversations))
	}

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create export directory")
	}
	path := filepath.Join(s.exportDir, fmt.Sprintf("quillchat-export-%s.json", time.Now().Format("20060102-150405")))
	raw, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode archive")
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, errors.Wrap(err, "failed to write archive")
	}
	return &db.JobResult{FilePath: path}, nil
}

func (s *LocalJobService) runImport(ctx context.Context, params map[string]any, update func(processed, total int)) (*db.JobResult, error) {
	path, _ := params["file_path"].(string)
	if path == "" {
		return nil, errors.New("import requires file_path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read archive")
	}
	var archive exportArchive
	if err := json.Unmarshal(raw, &archive); err != nil {
		return nil, errors.Wrap(err, "failed to parse archive")
	}

	imported := 0
	total := len(archive.Conversations) + len(archive.Messages)
	for _, conv := range archive.Conversations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := conv
		if err := s.gdb.Save(&c).Error; err != nil {
			return nil, errors.Wrap(err, "failed to import conversation")
		}
		imported++
		update(imported, total)
	}
	for _, msg := range archive.Messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := msg
		if err := s.gdb.Save(&m).Error; err != nil {
			return nil, errors.Wrap(err, "failed to import message")
		}
		imported++
		update(imported, total)
	}
	return &db.JobResult{Imported: imported}, nil
}

func (s *LocalJobService) runBulkDelete(ctx context.Context, params map[string]any, update func(processed, total int)) (*db.JobResult, error) {
	rawIDs, _ := params["conversation_ids"].([]any)
	ids := make([]string, 0, len(rawIDs))
	for _, v := range rawIDs {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("bulk delete requires conversation_ids")
	}

	deleted := 0
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.gdb.Delete(&db.Message{}, "conversation_id = ?", id).Error; err != nil {
			return nil, errors.Wrap(err, "failed to delete messages")
		}
		if err := s.gdb.Delete(&db.Conversation{}, "id = ?", id).Error; err != nil {
			return nil, errors.Wrap(err, "failed to delete conversation")
		}
		deleted++
		update(i+1, len(ids))
	}
	return &db.JobResult{Deleted: deleted}, nil
}

func (s *LocalJobService) saveJob(job *db.Job) {
	if err := s.gdb.Save(job).Error; err != nil {
		s.logger.Warn("failed to persist job", "jobID", job.ID, "error", err)
	}
}
