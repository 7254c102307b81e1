package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/Debaq/printerhub/server/authz"
	"github.com/Debaq/printerhub/server/blob"
	"github.com/Debaq/printerhub/server/storage"
)

// handleUploadFile accepts a multipart print artifact, stores the bytes
// in the blob store and the metadata row after. A crash between the two
// leaves an orphan blob, never a row pointing at missing bytes.
func handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	maxBytes := int64(serverConfig.Uploads.MaxSizeMB) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1024)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer part.Close()

	if header.Size > maxBytes {
		jsonError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
		return
	}

	var printerID *int64
	if raw := r.FormValue("printer_id"); raw != "" {
		id, ok := queryFormInt64(raw)
		if !ok {
			jsonError(w, http.StatusBadRequest, "invalid printer_id")
			return
		}
		// Binding a file to a printer requires control over it.
		if err := accessCheck.Authorize(r.Context(), user, id, authz.AccessControl); err != nil {
			authzStatus(w, err)
			return
		}
		printerID = &id
	}
	isPrivate := r.FormValue("is_private") == "true"

	// Hash while spooling so the checksum covers exactly what was stored.
	spool, err := os.CreateTemp("", "printerhub-upload-*")
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), part)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "upload read failed")
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}

	key := blob.NewKey()
	if err := serverBlobs.Put(r.Context(), key, spool, size); err != nil {
		serverLogger.Error("Blob write failed", "storage_key", key, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	file := &storage.File{
		StorageKey:   key,
		OriginalName: header.Filename,
		SizeBytes:    size,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		PrinterID:    printerID,
		UploadedBy:   &user.ID,
		IsPrivate:    isPrivate,
	}
	if err := serverStore.CreateFile(r.Context(), file); err != nil {
		serverLogger.Error("File row insert failed", "storage_key", key, "error", err)
		if delErr := serverBlobs.Delete(r.Context(), key); delErr != nil {
			serverLogger.Warn("Orphan blob cleanup failed", "storage_key", key, "error", delErr)
		}
		jsonError(w, http.StatusInternalServerError, "failed to record file")
		return
	}

	serverLogger.Info("File uploaded",
		"file_id", file.ID, "name", file.OriginalName, "size", size, "user", user.Username)
	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &user.ID, Username: user.Username,
		ActionType: "file.upload",
		TargetType: "file", TargetID: &file.ID, TargetName: file.OriginalName,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
		Metadata:  map[string]interface{}{"size_bytes": size, "is_private": isPrivate},
	})

	jsonResponse(w, map[string]interface{}{
		"success":     true,
		"id":          file.ID,
		"storage_key": file.StorageKey,
		"checksum":    file.Checksum,
	})
}

func handleListFiles(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	files, err := serverStore.ListFiles(r.Context(), user)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "files": files})
}

// handleDeleteFile removes a file's metadata and bytes. Allowed for
// admins and the uploader.
func handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	file, err := serverStore.GetFile(r.Context(), req.ID)
	if err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "file not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to load file")
		return
	}

	owner := file.UploadedBy != nil && *file.UploadedBy == user.ID
	if !user.IsAdmin() && !owner {
		jsonError(w, http.StatusForbidden, "permission denied")
		return
	}

	if err := serverStore.DeleteFile(r.Context(), file.ID); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}
	if err := serverBlobs.Delete(r.Context(), file.StorageKey); err != nil {
		serverLogger.Warn("Blob delete failed", "storage_key", file.StorageKey, "error", err)
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &user.ID, Username: user.Username,
		ActionType: "file.delete",
		TargetType: "file", TargetID: &file.ID, TargetName: file.OriginalName,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

// handlePrintFile dispatches a stored file to a printer: queues a
// print_file command and opens a job tracking the session. Private files
// need the can_print_private grant unless the caller uploaded them.
func handlePrintFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		FileID    int64 `json:"file_id"`
		PrinterID int64 `json:"printer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := accessCheck.Authorize(r.Context(), user, req.PrinterID, authz.AccessControl); err != nil {
		authzStatus(w, err)
		return
	}

	file, err := serverStore.GetFile(r.Context(), req.FileID)
	if err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "file not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to load file")
		return
	}

	if file.PrinterID != nil && *file.PrinterID != req.PrinterID {
		jsonError(w, http.StatusForbidden, "file is bound to a different printer")
		return
	}
	owner := file.UploadedBy != nil && *file.UploadedBy == user.ID
	if file.IsPrivate && !user.IsAdmin() && !owner && !user.CanPrintPrivate {
		jsonError(w, http.StatusForbidden, "file is private")
		return
	}

	cmd := &storage.Command{
		PrinterID: req.PrinterID,
		Kind:      storage.KindPrintFile,
		Payload:   "PRINT_FILE:" + file.StorageKey,
	}
	job := &storage.Job{
		PrinterID: req.PrinterID,
		FileID:    &file.ID,
		UserID:    &user.ID,
		Status:    storage.JobInProgress,
		IsPrivate: file.IsPrivate,
	}
	// Command and job commit together: no untracked dispatches.
	if err := serverStore.EnqueueCommandWithJob(r.Context(), cmd, &user.ID, job); err != nil {
		switch err {
		case storage.ErrNotFound:
			jsonError(w, http.StatusNotFound, "printer not found")
		case storage.ErrBlocked:
			jsonError(w, http.StatusForbidden, "printer is blocked")
		default:
			serverLogger.Error("File dispatch failed",
				"printer_id", req.PrinterID, "file_id", file.ID, "error", err)
			jsonError(w, http.StatusInternalServerError, "failed to queue command")
		}
		return
	}

	serverLogger.Info("File dispatched to printer",
		"printer_id", req.PrinterID, "file_id", file.ID,
		"command_id", cmd.ID, "user", user.Username)
	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &user.ID, Username: user.Username,
		ActionType: "file.print",
		TargetType: "printer", TargetID: &req.PrinterID,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
		Metadata: map[string]interface{}{
			"file_id":    file.ID,
			"command_id": cmd.ID,
			"job_id":     job.ID,
		},
	})

	eventsHub.Broadcast("command_queued", map[string]interface{}{
		"printer_id": req.PrinterID,
		"command_id": cmd.ID,
		"kind":       cmd.Kind,
	})

	jsonResponse(w, map[string]interface{}{
		"success":    true,
		"command_id": cmd.ID,
		"job_id":     job.ID,
	})
}

func queryFormInt64(raw string) (int64, bool) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
