package storage

import (
	"context"
	"testing"
	"time"
)

func newTestFile(t *testing.T, s *SQLiteStore, key string, printerID *int64) *File {
	t.Helper()
	f := &File{
		StorageKey:   key,
		OriginalName: key + ".gcode",
		SizeBytes:    2048,
		Checksum:     "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		PrinterID:    printerID,
	}
	if err := s.CreateFile(context.Background(), f); err != nil {
		t.Fatalf("CreateFile(%s): %v", key, err)
	}
	return f
}

func TestFileBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := newTestPrinter(t, s, "tok-file-bind-1")
	p2 := newTestPrinter(t, s, "tok-file-bind-2")

	bound := newTestFile(t, s, "key-bound", &p1.ID)
	global := newTestFile(t, s, "key-global", nil)

	// The bound printer and any printer can see the global file.
	if _, err := s.GetFileForPrinter(ctx, bound.StorageKey, p1.ID); err != nil {
		t.Errorf("owner lookup: %v", err)
	}
	if _, err := s.GetFileForPrinter(ctx, global.StorageKey, p2.ID); err != nil {
		t.Errorf("global lookup: %v", err)
	}

	// A file bound to p1 does not exist from p2's perspective.
	if _, err := s.GetFileForPrinter(ctx, bound.StorageKey, p2.ID); err != ErrNotFound {
		t.Errorf("cross-printer lookup: err = %v, want ErrNotFound", err)
	}

	files, err := s.ListPrinterFiles(ctx, p1.ID)
	if err != nil {
		t.Fatalf("ListPrinterFiles: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("p1 files = %d, want bound + global", len(files))
	}
	files, err = s.ListPrinterFiles(ctx, p2.ID)
	if err != nil {
		t.Fatalf("ListPrinterFiles p2: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("p2 files = %d, want global only", len(files))
	}
}

func TestMarkFileDownloaded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-file-dl-01")

	f := newTestFile(t, s, "key-download", &p.ID)
	got, err := s.MarkFileDownloaded(ctx, f.StorageKey, p.ID)
	if err != nil {
		t.Fatalf("MarkFileDownloaded: %v", err)
	}
	if !got.Downloaded {
		t.Error("file not flagged downloaded")
	}

	fresh, err := s.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !fresh.Downloaded {
		t.Error("downloaded flag not persisted")
	}

	if _, err := s.MarkFileDownloaded(ctx, "no-such-key", p.ID); err != ErrNotFound {
		t.Errorf("unknown key: err = %v, want ErrNotFound", err)
	}
}

func TestListFilesVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	admin := newTestUser(t, s, "fadmin", RoleAdmin)
	owner := newTestUser(t, s, "fowner", RoleUser)
	other := newTestUser(t, s, "fother", RoleUser)

	private := &File{
		StorageKey: "key-private", OriginalName: "secret.gcode",
		Checksum: "abc123", IsPrivate: true, UploadedBy: &owner.ID,
	}
	if err := s.CreateFile(ctx, private); err != nil {
		t.Fatalf("CreateFile private: %v", err)
	}
	newTestFile(t, s, "key-shared", nil)

	for _, tc := range []struct {
		viewer *User
		want   int
	}{
		{admin, 2},
		{owner, 2},
		{other, 1},
	} {
		files, err := s.ListFiles(ctx, tc.viewer)
		if err != nil {
			t.Fatalf("ListFiles(%s): %v", tc.viewer.Username, err)
		}
		if len(files) != tc.want {
			t.Errorf("ListFiles(%s) = %d files, want %d", tc.viewer.Username, len(files), tc.want)
		}
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-job-000001")
	u := newTestUser(t, s, "jobber", RoleUser)

	job := &Job{PrinterID: p.ID, UserID: &u.ID}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != JobInProgress {
		t.Errorf("status = %q, want in_progress", job.Status)
	}

	open, err := s.GetOpenJob(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetOpenJob: %v", err)
	}
	if open.ID != job.ID {
		t.Errorf("open job = %d, want %d", open.ID, job.ID)
	}

	if err := s.CloseJob(ctx, job.ID, JobCompleted, time.Now().UTC()); err != nil {
		t.Fatalf("CloseJob: %v", err)
	}
	if _, err := s.GetOpenJob(ctx, p.ID); err != ErrNotFound {
		t.Errorf("open job after close: err = %v, want ErrNotFound", err)
	}

	// Closing twice fails; the terminal state is immutable.
	if err := s.CloseJob(ctx, job.ID, JobFailed, time.Now().UTC()); err != ErrNotFound {
		t.Errorf("second close: err = %v, want ErrNotFound", err)
	}
	if err := s.CloseJob(ctx, job.ID, JobInProgress, time.Now().UTC()); err == nil {
		t.Error("expected error for non-terminal close status")
	}
}
