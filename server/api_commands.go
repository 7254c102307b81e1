package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Debaq/printerhub/server/authz"
	"github.com/Debaq/printerhub/server/gcode"
	"github.com/Debaq/printerhub/server/storage"
)

// sendCommandRequest is the operator command-issue payload. Kind selects
// the builder; the remaining fields are kind-specific. A zero priority
// takes the kind's default.
type sendCommandRequest struct {
	PrinterID int64  `json:"printer_id"`
	Kind      string `json:"kind"`
	Gcode     string `json:"gcode"`
	Hotend    int    `json:"hotend"`
	Bed       int    `json:"bed"`
	Speed     int    `json:"speed"`
	Priority  int    `json:"priority"`
}

// buildCommand turns an operator request into a queued command payload.
// Raw gcode is screened against the denylist; builders produce payloads
// that are safe by construction.
func buildCommand(req *sendCommandRequest) (*storage.Command, error) {
	if req.Priority < 0 {
		return nil, errors.New("priority must not be negative")
	}
	kind := storage.CommandKind(strings.TrimSpace(req.Kind))
	cmd := &storage.Command{PrinterID: req.PrinterID, Kind: kind, Priority: req.Priority}

	switch kind {
	case storage.KindHome:
		cmd.Payload = gcode.BuildHome()
	case storage.KindHeat:
		payload, err := gcode.BuildHeat(req.Hotend, req.Bed)
		if err != nil {
			return nil, err
		}
		cmd.Payload = payload
	case storage.KindSetSpeed:
		payload, err := gcode.BuildSetSpeed(req.Speed)
		if err != nil {
			return nil, err
		}
		cmd.Payload = payload
	case storage.KindPause:
		cmd.Payload = "PAUSE"
	case storage.KindResume:
		cmd.Payload = "RESUME"
	case storage.KindCancel:
		cmd.Payload = "CANCEL"
	case storage.KindEmergencyStop:
		cmd.Payload = "EMERGENCY_STOP"
	case storage.KindCustomGcode:
		program := strings.TrimSpace(req.Gcode)
		if program == "" {
			return nil, errors.New("gcode required")
		}
		if err := gcode.Validate(program); err != nil {
			return nil, err
		}
		cmd.Payload = program
	case storage.KindGeneric, "":
		program := strings.TrimSpace(req.Gcode)
		if program == "" {
			return nil, errors.New("command payload required")
		}
		cmd.Kind = storage.KindGeneric
		cmd.Payload = program
	default:
		return nil, errors.New("unknown command kind: " + string(kind))
	}
	return cmd, nil
}

// handleSendCommand queues a command for a printer after the access gate.
// Nothing touches the queue on a rejected request.
func handleSendCommand(w http.ResponseWriter, r *http.Request) {
	issueCommand(w, r, "")
}

// commandEndpoint binds one command kind to its own route so UI controls
// map one-to-one onto endpoints. The kind in the request body is ignored.
func commandEndpoint(kind storage.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issueCommand(w, r, kind)
	}
}

func issueCommand(w http.ResponseWriter, r *http.Request, kind storage.CommandKind) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if kind != "" {
		req.Kind = string(kind)
	}

	if err := accessCheck.Authorize(r.Context(), user, req.PrinterID, authz.AccessControl); err != nil {
		authzStatus(w, err)
		return
	}

	cmd, err := buildCommand(&req)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	enqueueAndRespond(w, r, user, cmd)
}

// handleEmergencyStop is the dedicated panic endpoint. It skips the
// builder switch so a UI can bind it to a single red button.
func handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var req struct {
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

	cmd := &storage.Command{
		PrinterID: req.PrinterID,
		Kind:      storage.KindEmergencyStop,
		Payload:   "EMERGENCY_STOP",
	}
	enqueueAndRespond(w, r, user, cmd)
}

func enqueueAndRespond(w http.ResponseWriter, r *http.Request, user *storage.User, cmd *storage.Command) {
	if err := serverStore.EnqueueCommand(r.Context(), cmd, &user.ID); err != nil {
		switch err {
		case storage.ErrNotFound:
			jsonError(w, http.StatusNotFound, "printer not found")
		case storage.ErrBlocked:
			jsonError(w, http.StatusForbidden, "printer is blocked")
		default:
			serverLogger.Error("Command enqueue failed",
				"printer_id", cmd.PrinterID, "kind", cmd.Kind, "error", err)
			jsonError(w, http.StatusInternalServerError, "failed to queue command")
		}
		return
	}

	serverLogger.Info("Command queued",
		"printer_id", cmd.PrinterID, "command_id", cmd.ID,
		"kind", cmd.Kind, "priority", cmd.Priority, "user", user.Username)

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &user.ID, Username: user.Username,
		ActionType: "command." + string(cmd.Kind),
		TargetType: "printer", TargetID: &cmd.PrinterID,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
		Metadata: map[string]interface{}{
			"command_id": cmd.ID,
			"priority":   cmd.Priority,
		},
	})

	eventsHub.Broadcast("command_queued", map[string]interface{}{
		"printer_id": cmd.PrinterID,
		"command_id": cmd.ID,
		"kind":       cmd.Kind,
	})

	jsonResponse(w, map[string]interface{}{"success": true, "command_id": cmd.ID})
}

// handlePendingCommands is queue introspection for the operator UI:
// commands still waiting for the agent's next poll.
func handlePendingCommands(w http.ResponseWriter, r *http.Request) {
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

	commands, err := serverStore.PendingCommands(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to load pending commands")
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "commands": commands})
}
