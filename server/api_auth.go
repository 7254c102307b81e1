package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Debaq/printerhub/server/storage"
)

// handleLogin authenticates an operator and issues a session token.
// Failed attempts per IP+username are rate limited; blocked callers get
// 429 without the credentials even being checked.
func handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Username == "" || req.Password == "" {
		jsonError(w, http.StatusBadRequest, "username and password required")
		return
	}

	ip := getRealIP(r)
	if loginLimiter != nil {
		if blocked, until := loginLimiter.IsBlocked(ip, req.Username); blocked {
			serverLogger.Warn("Login attempt while blocked", "ip", ip, "username", req.Username,
				"blocked_until", until.Format(time.RFC3339))
			jsonError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
			return
		}
	}

	user, err := serverStore.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		if loginLimiter != nil {
			if blocked, count := loginLimiter.RecordFailure(ip, req.Username); blocked {
				serverLogger.Warn("Login blocked after repeated failures", "ip", ip,
					"username", req.Username, "attempts", count)
				recordAudit(r.Context(), &storage.ActionLogEntry{
					ActionType:  "auth.login_blocked",
					Description: "login blocked after repeated failures",
					TargetType:  "user",
					TargetName:  req.Username,
					IPAddress:   ip,
					UserAgent:   r.UserAgent(),
					Metadata:    map[string]interface{}{"attempts": count},
				})
				jsonError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
				return
			}
		}
		serverLogger.Warn("Login failed", "ip", ip, "username", req.Username)
		jsonError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if loginLimiter != nil {
		loginLimiter.RecordSuccess(ip, req.Username)
	}

	ttl := time.Duration(serverConfig.Server.SessionHours) * time.Hour
	if req.RememberMe {
		mult := serverConfig.Server.RememberMeMultiplier
		if mult <= 0 {
			mult = 7
		}
		ttl *= time.Duration(mult)
	}

	sess, err := serverStore.CreateSession(r.Context(), user.ID, ttl, ip, r.UserAgent())
	if err != nil {
		serverLogger.Error("Session creation failed", "user_id", user.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &user.ID, Username: user.Username,
		ActionType: "auth.login",
		IPAddress:  ip, UserAgent: r.UserAgent(),
	})

	http.SetCookie(w, &http.Cookie{
		Name:     "printerhub_session",
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	jsonResponse(w, map[string]interface{}{
		"success":    true,
		"token":      sess.Token,
		"expires_at": sess.ExpiresAt,
		"user": map[string]interface{}{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

func handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	if token := sessionToken(r); token != "" {
		if err := serverStore.DeleteSession(r.Context(), token); err != nil {
			serverLogger.Warn("Logout failed", "user_id", user.ID, "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name: "printerhub_session", Value: "", Path: "/", MaxAge: -1, HttpOnly: true,
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

// handleLogoutAll revokes every other session of the caller, keeping the
// current one.
func handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	if err := serverStore.DeleteOtherSessions(r.Context(), user.ID, sessionToken(r)); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true})
}

func handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	jsonResponse(w, map[string]interface{}{
		"id":                user.ID,
		"username":          user.Username,
		"email":             user.Email,
		"role":              user.Role,
		"can_print_private": user.CanPrintPrivate,
	})
}

// handleChangePassword updates the caller's password and revokes their
// other sessions so a stolen session cannot outlive the change.
func handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if _, err := serverStore.AuthenticateUser(r.Context(), user.Username, req.CurrentPassword); err != nil {
		jsonError(w, http.StatusUnauthorized, "current password incorrect")
		return
	}
	if err := serverConfig.Security.ValidatePassword(req.NewPassword); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := serverStore.UpdateUserPassword(r.Context(), user.ID, req.NewPassword); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to update password")
		return
	}
	if err := serverStore.DeleteOtherSessions(r.Context(), user.ID, sessionToken(r)); err != nil {
		serverLogger.Warn("Failed to revoke other sessions after password change", "user_id", user.ID, "error", err)
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &user.ID, Username: user.Username,
		ActionType: "auth.password_changed",
		IPAddress:  getRealIP(r), UserAgent: r.UserAgent(),
	})
	jsonResponse(w, map[string]interface{}{"success": true})
}

// handleCreateUser lets an admin create operator accounts.
func handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	admin := requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		Username        string `json:"username"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		Role            string `json:"role"`
		CanPrintPrivate bool   `json:"can_print_private"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := serverConfig.Security.ValidatePassword(req.Password); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := &storage.User{
		Username:        req.Username,
		Email:           req.Email,
		Role:            storage.NormalizeRole(req.Role),
		CanPrintPrivate: req.CanPrintPrivate,
	}
	if err := serverStore.CreateUser(r.Context(), user, req.Password); err != nil {
		if err == storage.ErrConflict {
			jsonError(w, http.StatusConflict, "username or email already in use")
			return
		}
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	recordAudit(r.Context(), &storage.ActionLogEntry{
		UserID: &admin.ID, Username: admin.Username,
		ActionType: "user.create",
		TargetType: "user", TargetID: &user.ID, TargetName: user.Username,
		IPAddress: getRealIP(r), UserAgent: r.UserAgent(),
	})
	jsonResponse(w, map[string]interface{}{"success": true, "id": user.ID})
}

// handleAuditLog exposes the audit trail to admins.
func handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if requireAdmin(w, r) == nil {
		return
	}

	filter := storage.ActionLogFilter{ActionType: r.URL.Query().Get("action_type")}
	if pid, ok := queryInt64(r, "printer_id"); ok {
		filter.PrinterID = &pid
	}
	if limit, ok := queryInt64(r, "limit"); ok {
		filter.Limit = int(limit)
	}

	entries, err := serverStore.ActionLog(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "entries": entries})
}
