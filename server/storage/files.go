package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const fileColumns = `id, storage_key, original_name, size_bytes, checksum, printer_id, uploaded_by, uploaded_at, downloaded, is_private`

func scanFile(row interface{ Scan(...interface{}) error }) (*File, error) {
	var f File
	var printerID, uploadedBy sql.NullInt64

	err := row.Scan(&f.ID, &f.StorageKey, &f.OriginalName, &f.SizeBytes, &f.Checksum,
		&printerID, &uploadedBy, &f.UploadedAt, &f.Downloaded, &f.IsPrivate)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	f.PrinterID = int64Ptr(printerID)
	f.UploadedBy = int64Ptr(uploadedBy)
	return &f, nil
}

// CreateFile records an uploaded print file. The blob itself is written to
// the blob store by the caller before this row exists, so a crash between
// the two leaves an orphan blob, never a dangling row.
func (s *BaseStore) CreateFile(ctx context.Context, f *File) error {
	if f.StorageKey == "" || f.Checksum == "" {
		return fmt.Errorf("storage key and checksum are required")
	}

	err := s.queryRowContext(ctx, `
		INSERT INTO files (storage_key, original_name, size_bytes, checksum, printer_id, uploaded_by, is_private)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id, uploaded_at
	`, f.StorageKey, f.OriginalName, f.SizeBytes, f.Checksum,
		nullInt64Ptr(f.PrinterID), nullInt64Ptr(f.UploadedBy), f.IsPrivate).
		Scan(&f.ID, &f.UploadedAt)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	logInfo("file stored", "file_id", f.ID, "name", f.OriginalName, "size", f.SizeBytes)
	return nil
}

// GetFile looks up a file by ID.
func (s *BaseStore) GetFile(ctx context.Context, id int64) (*File, error) {
	row := s.queryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	return scanFile(row)
}

// GetFileForPrinter resolves a storage key for a specific printer. The file
// must be bound to that printer or be global (printer_id NULL); a key bound
// to a different printer is ErrNotFound from this printer's perspective.
func (s *BaseStore) GetFileForPrinter(ctx context.Context, storageKey string, printerID int64) (*File, error) {
	row := s.queryRowContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE storage_key = ? AND (printer_id = ? OR printer_id IS NULL)
	`, storageKey, printerID)
	return scanFile(row)
}

// ListPrinterFiles returns files a printer may download: its own plus
// global files, newest first.
func (s *BaseStore) ListPrinterFiles(ctx context.Context, printerID int64) ([]*File, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE printer_id = ? OR printer_id IS NULL
		ORDER BY uploaded_at DESC, id DESC
	`, printerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFiles returns files visible to an operator: admins see everything,
// regular users see non-private files plus their own uploads.
func (s *BaseStore) ListFiles(ctx context.Context, viewer *User) ([]*File, error) {
	q := `SELECT ` + fileColumns + ` FROM files`
	var args []interface{}
	if !viewer.IsAdmin() {
		q += ` WHERE is_private = ? OR uploaded_by = ?`
		args = append(args, false, viewer.ID)
	}
	q += ` ORDER BY uploaded_at DESC, id DESC`

	rows, err := s.queryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFileDownloaded flags a file as fetched by its printer and returns the
// row so the caller can decide whether the blob can be reclaimed. Global
// files are marked but never reclaimed since other printers may still need
// them.
func (s *BaseStore) MarkFileDownloaded(ctx context.Context, storageKey string, printerID int64) (*File, error) {
	f, err := s.GetFileForPrinter(ctx, storageKey, printerID)
	if err != nil {
		return nil, err
	}

	if _, err := s.execContext(ctx, `UPDATE files SET downloaded = ? WHERE id = ?`, true, f.ID); err != nil {
		return nil, err
	}
	f.Downloaded = true
	return f, nil
}

// DeleteFile removes a file row. Blob removal is the caller's concern.
func (s *BaseStore) DeleteFile(ctx context.Context, id int64) error {
	res, err := s.execContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const jobColumns = `id, printer_id, file_id, user_id, started_at, ended_at, duration_secs, filament_grams, status, error_message, is_private`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var fileID, userID, duration sql.NullInt64
	var endedAt sql.NullTime
	var filament sql.NullFloat64
	var errMsg sql.NullString

	err := row.Scan(&j.ID, &j.PrinterID, &fileID, &userID, &j.StartedAt, &endedAt,
		&duration, &filament, &j.Status, &errMsg, &j.IsPrivate)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	j.FileID = int64Ptr(fileID)
	j.UserID = int64Ptr(userID)
	j.EndedAt = timePtr(endedAt)
	j.DurationSecs = int64Ptr(duration)
	if filament.Valid {
		v := filament.Float64
		j.FilamentGrams = &v
	}
	j.ErrorMessage = errMsg.String
	return &j, nil
}

// CreateJob opens a print session for a printer.
func (s *BaseStore) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobInProgress
	}

	err := s.queryRowContext(ctx, `
		INSERT INTO jobs (printer_id, file_id, user_id, status, is_private)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, started_at
	`, job.PrinterID, nullInt64Ptr(job.FileID), nullInt64Ptr(job.UserID), job.Status, job.IsPrivate).
		Scan(&job.ID, &job.StartedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetOpenJob returns the printer's in-progress job, if any.
func (s *BaseStore) GetOpenJob(ctx context.Context, printerID int64) (*Job, error) {
	row := s.queryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE printer_id = ? AND status = 'in_progress'
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, printerID)
	return scanJob(row)
}

// CloseJob finishes a job with the given terminal status and stamps its
// duration. Already-closed jobs return ErrNotFound.
func (s *BaseStore) CloseJob(ctx context.Context, jobID int64, status JobStatus, endedAt time.Time) error {
	if status != JobCompleted && status != JobFailed {
		return fmt.Errorf("invalid terminal job status: %q", status)
	}

	return s.withTx(ctx, func(tx *storeTx) error {
		var startedAt time.Time
		err := tx.queryRowContext(ctx,
			`SELECT started_at FROM jobs WHERE id = ? AND status = 'in_progress'`, jobID).
			Scan(&startedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		duration := int64(endedAt.Sub(startedAt).Seconds())
		if duration < 0 {
			duration = 0
		}

		res, err := tx.execContext(ctx, `
			UPDATE jobs SET status = ?, ended_at = ?, duration_secs = ?
			WHERE id = ? AND status = 'in_progress'
		`, status, endedAt, duration, jobID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}
