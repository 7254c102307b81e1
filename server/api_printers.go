package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Debaq/printerhub/server/authz"
	"github.com/Debaq/printerhub/server/storage"
)

// applyEffectiveStatus overlays the derived offline status onto a detail
// view. Status is never persisted as offline; every read path derives it
// here from the heartbeat age.
func applyEffectiveStatus(detail *storage.PrinterDetail, now time.Time) {
	if detail == nil || detail.Printer == nil {
		return
	}
	eff := storage.EffectiveStatus(detail.Printer.Status, detail.Printer.LastSeen, now, offlineThreshold())
	detail.Printer.Status = eff
	if detail.State != nil {
		detail.State.Status = eff
	}
}

func authzStatus(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrUnauthorized):
		jsonError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, authz.ErrForbidden):
		jsonError(w, http.StatusForbidden, "permission denied")
	default:
		jsonError(w, http.StatusInternalServerError, "authorization check failed")
	}
}

// handleListPrinters returns the fleet as visible to the caller.
// Anonymous callers see public printers, users see public plus assigned,
// admins see everything. Each entry is redacted per the viewer.
func handleListPrinters(w http.ResponseWriter, r *http.Request) {
	user := principalFromContext(r.Context())

	filter := storage.PrinterFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
	}
	if user != nil {
		filter.ViewerID = &user.ID
		filter.Admin = user.IsAdmin()
	}

	details, err := serverStore.ListPrinters(r.Context(), filter)
	if err != nil {
		serverLogger.Error("Printer listing failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list printers")
		return
	}

	now := time.Now().UTC()
	views := make([]*storage.PrinterDetail, 0, len(details))
	for _, d := range details {
		view := accessCheck.FilterForViewer(r.Context(), user, d)
		applyEffectiveStatus(view, now)
		views = append(views, view)
	}

	jsonResponse(w, map[string]interface{}{"success": true, "printers": views})
}

// handlePrinterDetail returns one printer's state. Visibility follows the
// listing rules; callers without the view-details grant get the redacted
// projection rather than an error.
func handlePrinterDetail(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	id, ok := queryInt64(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "id parameter required")
		return
	}

	detail, err := serverStore.GetPrinterDetail(r.Context(), id)
	if err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "printer not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to load printer")
		return
	}

	if !printerVisibleTo(r, user, detail.Printer) {
		// Same response as an unknown id so callers cannot probe for
		// hidden printers.
		jsonError(w, http.StatusNotFound, "printer not found")
		return
	}

	view := accessCheck.FilterForViewer(r.Context(), user, detail)
	applyEffectiveStatus(view, time.Now().UTC())
	jsonResponse(w, map[string]interface{}{"success": true, "printer": view})
}

// printerVisibleTo mirrors the listing visibility rules for a single row:
// admins see everything, others see unblocked printers that are public or
// assigned to them.
func printerVisibleTo(r *http.Request, user *storage.User, p *storage.Printer) bool {
	if user != nil && user.IsAdmin() {
		return true
	}
	if p.IsBlocked {
		return false
	}
	if p.IsPublic {
		return true
	}
	if user == nil {
		return false
	}
	_, err := serverStore.GetAssignment(r.Context(), user.ID, p.ID)
	return err == nil
}

// handleCreatePrinter pre-registers a printer so its token can be handed
// to an agent before first contact. Admin only.
func handleCreatePrinter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		Name     string `json:"name"`
		Token    string `json:"token"`
		IsPublic bool   `json:"is_public"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name required")
		return
	}

	printer := &storage.Printer{
		Name:     req.Name,
		Token:    req.Token,
		IsPublic: req.IsPublic,
		Notes:    req.Notes,
	}
	if err := serverStore.CreatePrinter(r.Context(), printer); err != nil {
		if err == storage.ErrConflict {
			jsonError(w, http.StatusConflict, "token already registered")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to create printer")
		return
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &admin.ID, Username: admin.Username,
		ActionType: "printer.create",
		TargetType: "printer", TargetID: &printer.ID, TargetName: printer.Name,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
	})

	// The token is returned exactly once, at creation. Listings and
	// detail views never include it.
	jsonResponse(w, map[string]interface{}{
		"success": true,
		"id":      printer.ID,
		"token":   printer.Token,
	})
}

func handleUpdatePrinter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		ID       int64   `json:"id"`
		Name     *string `json:"name"`
		IsPublic *bool   `json:"is_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == nil && req.IsPublic == nil {
		jsonError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	if err := serverStore.UpdatePrinter(r.Context(), req.ID, req.Name, req.IsPublic); err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "printer not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to update printer")
		return
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &admin.ID, Username: admin.Username,
		ActionType: "printer.update",
		TargetType: "printer", TargetID: &req.ID,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

func handleDeletePrinter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	printer, err := serverStore.GetPrinter(r.Context(), req.ID)
	if err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "printer not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to load printer")
		return
	}

	if err := serverStore.DeletePrinter(r.Context(), req.ID); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to delete printer")
		return
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &admin.ID, Username: admin.Username,
		ActionType: "printer.delete",
		TargetType: "printer", TargetID: &req.ID, TargetName: printer.Name,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

// handleBlockPrinter toggles the administrative block. Blocked printers
// drop out of listings and refuse both heartbeats and new commands.
func handleBlockPrinter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		ID      int64 `json:"id"`
		Blocked bool  `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := serverStore.SetPrinterBlocked(r.Context(), req.ID, req.Blocked); err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "printer not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to update printer")
		return
	}

	action := "printer.unblock"
	if req.Blocked {
		action = "printer.block"
	}
	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &admin.ID, Username: admin.Username,
		ActionType: action,
		TargetType: "printer", TargetID: &req.ID,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

func handlePrinterNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		ID    int64  `json:"id"`
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := serverStore.UpdatePrinterNotes(r.Context(), req.ID, req.Notes); err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "printer not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to update notes")
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true})
}

func handlePrinterTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		ID   int64    `json:"id"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := serverStore.UpdatePrinterTags(r.Context(), req.ID, req.Tags); err != nil {
		if err == storage.ErrNotFound {
			jsonError(w, http.StatusNotFound, "printer not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to update tags")
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true})
}

// handleAssignPrinter grants a user access to a printer with per-flag
// control and detail visibility.
func handleAssignPrinter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		PrinterID      int64 `json:"printer_id"`
		UserID         int64 `json:"user_id"`
		CanControl     bool  `json:"can_control"`
		CanViewDetails bool  `json:"can_view_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	assignment := &storage.PrinterAssignment{
		PrinterID:      req.PrinterID,
		UserID:         req.UserID,
		CanControl:     req.CanControl,
		CanViewDetails: req.CanViewDetails,
	}
	if err := serverStore.UpsertAssignment(r.Context(), assignment); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to save assignment")
		return
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &admin.ID, Username: admin.Username,
		ActionType: "printer.assign",
		TargetType: "printer", TargetID: &req.PrinterID,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
		Metadata: map[string]interface{}{
			"assigned_user_id": req.UserID,
			"can_control":      req.CanControl,
			"can_view_details": req.CanViewDetails,
		},
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

func handleUnassignPrinter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		PrinterID int64 `json:"printer_id"`
		UserID    int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := serverStore.RemoveAssignment(r.Context(), req.UserID, req.PrinterID); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to remove assignment")
		return
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &admin.ID, Username: admin.Username,
		ActionType: "printer.unassign",
		TargetType: "printer", TargetID: &req.PrinterID,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
		Metadata:  map[string]interface{}{"assigned_user_id": req.UserID},
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

// handleCommandHistoryView returns the issuance audit trail for one
// printer, newest first, capped server-side.
func handleCommandHistoryView(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	id, ok := queryInt64(r, "printer_id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "printer_id parameter required")
		return
	}

	if err := accessCheck.Authorize(r.Context(), user, id, authz.AccessView); err != nil {
		authzStatus(w, err)
		return
	}

	limit := 0
	if v, ok := queryInt64(r, "limit"); ok {
		limit = int(v)
	}
	entries, err := serverStore.CommandHistory(r.Context(), id, limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "history": entries})
}
