package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Debaq/printerhub/server/blob"
	"github.com/Debaq/printerhub/server/storage"

	"github.com/Masterminds/semver"
)

// heartbeatRequest is the agent's periodic state report. Token rides in
// the body for firmware that cannot set headers.
type heartbeatRequest struct {
	Token        string `json:"token"`
	AgentVersion string `json:"agent_version"`
	storage.HeartbeatSnapshot
}

// handleAgentHeartbeat ingests a device state report. This is the only
// endpoint that auto-registers printers: an unseen token creates a new
// row rather than failing.
func handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Token == "" {
		req.Token = printerTokenFrom(r)
	}
	if req.Token == "" {
		jsonError(w, http.StatusUnauthorized, "missing printer token")
		return
	}

	if msg := checkAgentVersion(req.AgentVersion); msg != "" {
		jsonError(w, http.StatusUpgradeRequired, msg)
		return
	}

	printer, created, err := serverStore.GetOrCreatePrinterByToken(r.Context(), req.Token, req.Name)
	if err != nil {
		serverLogger.Error("Heartbeat printer resolution failed", "ip", getRealIP(r), "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to resolve printer")
		return
	}
	if printer.IsBlocked {
		jsonError(w, http.StatusForbidden, "printer is blocked")
		return
	}
	if created {
		serverLogger.Info("Printer registered via heartbeat",
			"printer_id", printer.ID, "name", printer.Name, "ip", getRealIP(r))
	}

	now := time.Now().UTC()
	if err := serverStore.ApplyHeartbeat(r.Context(), printer.ID, &req.HeartbeatSnapshot, now); err != nil {
		serverLogger.Error("Heartbeat apply failed", "printer_id", printer.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to apply heartbeat")
		return
	}

	closeJobIfFinished(r, printer.ID, req.Status, req.Progress, now)

	pending, err := serverStore.PendingCommands(r.Context(), printer.ID)
	if err != nil {
		serverLogger.Warn("Pending count failed after heartbeat", "printer_id", printer.ID, "error", err)
	}

	eventsHub.Broadcast("printer_update", map[string]interface{}{
		"printer_id": printer.ID,
		"status":     req.Status,
		"progress":   req.Progress,
	})

	jsonResponse(w, map[string]interface{}{
		"success":          true,
		"printer_id":       printer.ID,
		"server_time":      now,
		"pending_commands": len(pending),
	})
}

// checkAgentVersion gates heartbeats on a minimum agent release when one
// is configured. Unparseable versions are let through so homebrew agents
// keep working.
func checkAgentVersion(reported string) string {
	min := serverConfig.Server.MinAgentVersion
	if min == "" || reported == "" {
		return ""
	}
	minVer, err := semver.NewVersion(min)
	if err != nil {
		serverLogger.Warn("Invalid min_agent_version in config", "value", min, "error", err)
		return ""
	}
	gotVer, err := semver.NewVersion(reported)
	if err != nil {
		return ""
	}
	if gotVer.LessThan(minVer) {
		return fmt.Sprintf("agent version %s is below required minimum %s", reported, min)
	}
	return ""
}

// closeJobIfFinished closes the device's open print job once a heartbeat
// shows the print is no longer running. Progress at 100 counts as a
// completed print, anything else as failed. Pause keeps the job open.
func closeJobIfFinished(r *http.Request, printerID int64, status string, progress float64, now time.Time) {
	if status == storage.StatusPrinting || status == storage.StatusPaused {
		return
	}
	job, err := serverStore.GetOpenJob(r.Context(), printerID)
	if err != nil {
		if err != storage.ErrNotFound {
			serverLogger.Warn("Open job lookup failed", "printer_id", printerID, "error", err)
		}
		return
	}

	final := storage.JobFailed
	if progress >= 100 {
		final = storage.JobCompleted
	}
	if err := serverStore.CloseJob(r.Context(), job.ID, final, now); err != nil {
		serverLogger.Warn("Job close failed", "printer_id", printerID, "job_id", job.ID, "error", err)
		return
	}
	serverLogger.Info("Print job closed", "printer_id", printerID, "job_id", job.ID, "status", final)
}

// handleAgentPoll claims up to the configured batch of pending commands
// for the calling device. Claimed commands are flipped to sent as a side
// effect; a repeat poll never returns the same command twice.
func handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	printer := authenticatePrinter(w, r)
	if printer == nil {
		return
	}

	batch := serverConfig.Server.PollBatchSize
	if batch <= 0 || batch > storage.MaxCommandBatch {
		batch = storage.MaxCommandBatch
	}

	commands, err := serverStore.ClaimPendingCommands(r.Context(), printer.ID, batch)
	if err != nil {
		serverLogger.Error("Command claim failed", "printer_id", printer.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to claim commands")
		return
	}

	wire := make([]map[string]interface{}, 0, len(commands))
	for _, cmd := range commands {
		wire = append(wire, map[string]interface{}{
			"id":       cmd.ID,
			"type":     cmd.Kind.WireType(),
			"command":  cmd.Payload,
			"priority": cmd.Priority,
		})
	}
	if len(commands) > 0 {
		serverLogger.Debug("Commands delivered", "printer_id", printer.ID, "count", len(commands))
	}

	jsonResponse(w, map[string]interface{}{"success": true, "commands": wire})
}

// handleAgentAck records the outcome of a previously delivered command.
// Optional for agents; commands stay sent forever if never acknowledged.
func handleAgentAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	printer := authenticatePrinter(w, r)
	if printer == nil {
		return
	}

	var req struct {
		CommandID int64  `json:"command_id"`
		Status    string `json:"status"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	status := storage.CommandStatus(req.Status)
	err := serverStore.AcknowledgeCommand(r.Context(), printer.ID, req.CommandID, status, req.Message)
	if err != nil {
		switch err {
		case storage.ErrNotFound:
			jsonError(w, http.StatusNotFound, "no such delivered command")
		default:
			jsonError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true})
}

// handleAgentFiles lists files available to the calling device: its own
// plus the global pool.
func handleAgentFiles(w http.ResponseWriter, r *http.Request) {
	printer := authenticatePrinter(w, r)
	if printer == nil {
		return
	}

	files, err := serverStore.ListPrinterFiles(r.Context(), printer.ID)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	out := make([]map[string]interface{}, 0, len(files))
	for _, f := range files {
		// Device-bound blobs are deleted once downloaded; the row stays for
		// job history. Tell the agent which files it can still fetch.
		exists, err := serverBlobs.Exists(r.Context(), f.StorageKey)
		if err != nil {
			serverLogger.Warn("Blob existence check failed",
				"storage_key", f.StorageKey, "error", err)
		}
		out = append(out, map[string]interface{}{
			"storage_key": f.StorageKey,
			"name":        f.OriginalName,
			"size":        f.SizeBytes,
			"checksum":    f.Checksum,
			"downloaded":  f.Downloaded,
			"exists":      exists,
		})
	}
	jsonResponse(w, map[string]interface{}{"success": true, "files": out})
}

// handleAgentDownload streams a file's bytes to the device after
// re-validating that the file belongs to it or to the global pool.
func handleAgentDownload(w http.ResponseWriter, r *http.Request) {
	printer := authenticatePrinter(w, r)
	if printer == nil {
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		jsonError(w, http.StatusBadRequest, "key parameter required")
		return
	}

	file, err := serverStore.GetFileForPrinter(r.Context(), key, printer.ID)
	if err != nil {
		jsonError(w, http.StatusNotFound, "file not found")
		return
	}

	rc, err := serverBlobs.Get(r.Context(), file.StorageKey)
	if err != nil {
		if err == blob.ErrNotFound {
			serverLogger.Error("File row has no blob", "storage_key", file.StorageKey, "file_id", file.ID)
			jsonError(w, http.StatusNotFound, "file content missing")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.OriginalName))
	w.Header().Set("X-Checksum-SHA256", file.Checksum)

	if _, err := io.Copy(w, rc); err != nil {
		serverLogger.Warn("File stream interrupted",
			"printer_id", printer.ID, "storage_key", file.StorageKey, "error", err)
		return
	}
	serverLogger.Debug("File downloaded", "printer_id", printer.ID, "storage_key", file.StorageKey)
}

// handleAgentMarkDownloaded records that the device has the file locally.
// Device-bound blobs are removed from the server once confirmed; pooled
// files stay for other printers.
func handleAgentMarkDownloaded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	printer := authenticatePrinter(w, r)
	if printer == nil {
		return
	}

	var req struct {
		StorageKey string `json:"storage_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StorageKey == "" {
		jsonError(w, http.StatusBadRequest, "storage_key required")
		return
	}

	file, err := serverStore.MarkFileDownloaded(r.Context(), req.StorageKey, printer.ID)
	if err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "file not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to mark downloaded")
		return
	}

	if file.PrinterID != nil {
		if err := serverBlobs.Delete(r.Context(), file.StorageKey); err != nil {
			serverLogger.Warn("Blob cleanup failed after download confirmation",
				"storage_key", file.StorageKey, "error", err)
		}
	}
	jsonResponse(w, map[string]interface{}{"success": true})
}
