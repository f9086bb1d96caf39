package service

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
)

func newLocalJobs(t *testing.T) (*LocalJobService, *gorm.DB) {
	t.Helper()
	gdb, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	svc := NewLocalJobService(gdb, 2)
	svc.exportDir = t.TempDir()
	return svc, gdb
}

func waitJobStatus(t *testing.T, svc *LocalJobService, jobID, want string) RemoteJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := svc.ListJobs(context.Background())
		if err != nil {
			t.Fatalf("ListJobs() error = %v", err)
		}
		for _, j := range jobs {
			if j.ID == jobID && j.Status == want {
				return j
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q", jobID, want)
	return RemoteJob{}
}

func seedConversation(t *testing.T, gdb *gorm.DB, convID string, messages int) {
	t.Helper()
	if err := gdb.Create(&db.Conversation{ID: convID, Title: "t", Status: db.ConversationStatusActive}).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i := 0; i < messages; i++ {
		m := &db.Message{
			ID:             convID + "-m" + string(rune('a'+i)),
			ConversationID: convID,
			Role:           db.RoleUser,
			Content:        "msg",
			Status:         db.MessageStatusDone,
		}
		if err := gdb.Create(m).Error; err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
}

func TestLocalJobService_ExportWritesArchive(t *testing.T) {
	svc, gdb := newLocalJobs(t)
	seedConversation(t, gdb, "c1", 2)
	seedConversation(t, gdb, "c2", 1)

	jobID, err := svc.ScheduleJob(context.Background(), db.JobTypeExport, "key-1", nil)
	if err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}

	job := waitJobStatus(t, svc, jobID, db.JobStatusCompleted)
	if job.Result == nil || job.Result.FilePath == "" {
		t.Fatalf("completed export has no file path: %+v", job.Result)
	}

	raw, err := os.ReadFile(job.Result.FilePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var archive exportArchive
	if err := json.Unmarshal(raw, &archive); err != nil {
		t.Fatalf("parse archive: %v", err)
	}
	if len(archive.Conversations) != 2 {
		t.Fatalf("archive has %d conversations, want 2", len(archive.Conversations))
	}
	if len(archive.Messages) != 3 {
		t.Fatalf("archive has %d messages, want 3", len(archive.Messages))
	}
}

func TestLocalJobService_ExportThenImportRoundTrip(t *testing.T) {
	src, srcDB := newLocalJobs(t)
	seedConversation(t, srcDB, "c1", 2)

	jobID, err := src.ScheduleJob(context.Background(), db.JobTypeExport, "key-1", nil)
	if err != nil {
		t.Fatalf("ScheduleJob(export) error = %v", err)
	}
	exported := waitJobStatus(t, src, jobID, db.JobStatusCompleted)

	dst, dstDB := newLocalJobs(t)
	importID, err := dst.ScheduleJob(context.Background(), db.JobTypeImport, "key-2", map[string]any{
		"file_path": exported.Result.FilePath,
	})
	if err != nil {
		t.Fatalf("ScheduleJob(import) error = %v", err)
	}
	result := waitJobStatus(t, dst, importID, db.JobStatusCompleted)
	if result.Result == nil || result.Result.Imported != 3 {
		t.Fatalf("import result = %+v, want 3 rows imported", result.Result)
	}

	var count int64
	if err := dstDB.Model(&db.Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("imported %d messages, want 2", count)
	}
}

func TestLocalJobService_BulkDelete(t *testing.T) {
	svc, gdb := newLocalJobs(t)
	seedConversation(t, gdb, "c1", 2)
	seedConversation(t, gdb, "c2", 1)

	jobID, err := svc.ScheduleJob(context.Background(), db.JobTypeBulkDelete, "key-1", map[string]any{
		"conversation_ids": []any{"c1"},
	})
	if err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	result := waitJobStatus(t, svc, jobID, db.JobStatusCompleted)
	if result.Result == nil || result.Result.Deleted != 1 {
		t.Fatalf("bulk delete result = %+v, want 1 deleted", result.Result)
	}

	var convCount int64
	if err := gdb.Model(&db.Conversation{}).Count(&convCount).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if convCount != 1 {
		t.Fatalf("%d conversations remain, want 1", convCount)
	}
	var msgCount int64
	if err := gdb.Model(&db.Message{}).Where("conversation_id = ?", "c1").Count(&msgCount).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if msgCount != 0 {
		t.Fatalf("%d messages of deleted conversation remain, want 0", msgCount)
	}
}

func TestLocalJobService_ScheduleIsIdempotentOnClientKey(t *testing.T) {
	svc, gdb := newLocalJobs(t)
	seedConversation(t, gdb, "c1", 1)

	first, err := svc.ScheduleJob(context.Background(), db.JobTypeExport, "same-key", nil)
	if err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	second, err := svc.ScheduleJob(context.Background(), db.JobTypeExport, "same-key", nil)
	if err != nil {
		t.Fatalf("ScheduleJob() retry error = %v", err)
	}
	if first != second {
		t.Fatalf("idempotent schedule returned %s then %s, want same id", first, second)
	}
}

func TestLocalJobService_RejectsUnknownType(t *testing.T) {
	svc, _ := newLocalJobs(t)
	if _, err := svc.ScheduleJob(context.Background(), "defrag", "key", nil); err == nil {
		t.Fatalf("ScheduleJob(defrag) succeeded, want error")
	}
}

func TestLocalJobService_ImportWithoutPathFails(t *testing.T) {
	svc, _ := newLocalJobs(t)
	jobID, err := svc.ScheduleJob(context.Background(), db.JobTypeImport, "key", nil)
	if err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	job := waitJobStatus(t, svc, jobID, db.JobStatusFailed)
	if job.Error == "" {
		t.Fatalf("failed job carries no error text")
	}
}
