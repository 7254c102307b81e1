package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id, username, email, password_hash, role, can_print_private, is_blocked, created_at, last_login, last_ip`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var role string
	var lastLogin sql.NullTime
	var lastIP sql.NullString

	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role,
		&u.CanPrintPrivate, &u.IsBlocked, &u.CreatedAt, &lastLogin, &lastIP)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.Role = NormalizeRole(role)
	u.LastLogin = timePtr(lastLogin)
	u.LastIP = lastIP.String
	return &u, nil
}

// CreateUser inserts a new operator account. The raw password is hashed
// with Argon2id; the struct's PasswordHash field is ignored on input.
func (s *BaseStore) CreateUser(ctx context.Context, user *User, rawPassword string) error {
	if user.Username == "" || user.Email == "" {
		return fmt.Errorf("username and email are required")
	}
	if len(rawPassword) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	hash, err := hashArgon(rawPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash

	err = s.queryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, role, can_print_private)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, created_at
	`, user.Username, user.Email, user.PasswordHash, user.Role, user.CanPrintPrivate).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "duplicate") {
			return ErrConflict
		}
		return fmt.Errorf("create user: %w", err)
	}

	logInfo("user created", "user_id", user.ID, "username", user.Username, "role", user.Role)
	return nil
}

// GetUserByID looks up a user by ID.
func (s *BaseStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.queryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByLogin looks up a user by username or email.
func (s *BaseStore) GetUserByLogin(ctx context.Context, usernameOrEmail string) (*User, error) {
	row := s.queryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? OR email = ?`,
		usernameOrEmail, usernameOrEmail)
	return scanUser(row)
}

// AuthenticateUser verifies credentials and returns the user on success.
// Blocked accounts and bad passwords both return ErrNotFound so login
// responses cannot distinguish the two.
func (s *BaseStore) AuthenticateUser(ctx context.Context, usernameOrEmail, rawPassword string) (*User, error) {
	u, err := s.GetUserByLogin(ctx, usernameOrEmail)
	if err != nil {
		return nil, ErrNotFound
	}
	if u.IsBlocked {
		logWarn("blocked user attempted login", "username", u.Username)
		return nil, ErrNotFound
	}

	ok, err := verifyArgonHash(rawPassword, u.PasswordHash)
	if err != nil || !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// UpdateUserPassword replaces a user's password hash.
func (s *BaseStore) UpdateUserPassword(ctx context.Context, userID int64, rawPassword string) error {
	if len(rawPassword) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := hashArgon(rawPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := s.execContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// recordLogin stamps last_login and last_ip after a successful login.
func (s *BaseStore) recordLogin(ctx context.Context, userID int64, ip string) {
	if _, err := s.execContext(ctx,
		`UPDATE users SET last_login = CURRENT_TIMESTAMP, last_ip = ? WHERE id = ?`,
		nullString(ip), userID); err != nil {
		logWarn("failed to record login", "user_id", userID, "error", err)
	}
}

// CreateSession issues a new bearer session. The returned Session carries
// the raw token exactly once; the database stores only its SHA-256 hash.
func (s *BaseStore) CreateSession(ctx context.Context, userID int64, ttl time.Duration, ip, userAgent string) (*Session, error) {
	rawToken, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		Token:     rawToken,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IPAddress: ip,
		UserAgent: userAgent,
	}

	_, err = s.execContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, created_at, expires_at, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?)
	`, hashSHA256(rawToken), userID, sess.CreatedAt, sess.ExpiresAt, nullString(ip), nullString(userAgent))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.recordLogin(ctx, userID, ip)
	return sess, nil
}

// GetSessionUser resolves a raw session token to its user. Expired sessions
// and blocked users resolve to ErrNotFound.
func (s *BaseStore) GetSessionUser(ctx context.Context, token string) (*User, error) {
	row := s.queryRowContext(ctx, `
		SELECT `+prefixColumns("u", userColumns)+`
		FROM sessions sess
		JOIN users u ON u.id = sess.user_id
		WHERE sess.token_hash = ? AND sess.expires_at > ?
	`, hashSHA256(token), time.Now().UTC())

	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if u.IsBlocked {
		return nil, ErrNotFound
	}
	return u, nil
}

// DeleteSession revokes a session by raw token.
func (s *BaseStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.execContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, hashSHA256(token))
	return err
}

// DeleteOtherSessions revokes every session of a user except the one
// identified by keepToken. Used for "log out everywhere else".
func (s *BaseStore) DeleteOtherSessions(ctx context.Context, userID int64, keepToken string) error {
	_, err := s.execContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND token_hash != ?`,
		userID, hashSHA256(keepToken))
	return err
}

// DeleteExpiredSessions removes expired sessions and returns the count.
// Intended to run periodically from the server's maintenance loop.
func (s *BaseStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.execContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateGroup inserts a named permission group.
func (s *BaseStore) CreateGroup(ctx context.Context, group *Group) error {
	err := s.queryRowContext(ctx, `
		INSERT INTO groups (name, description, permissions)
		VALUES (?, ?, ?)
		RETURNING id, created_at
	`, group.Name, nullString(group.Description), encodeStrings(group.Permissions)).
		Scan(&group.ID, &group.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "duplicate") {
			return ErrConflict
		}
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

const groupColumns = `id, name, description, permissions, created_at`

func scanGroup(row interface{ Scan(...interface{}) error }) (*Group, error) {
	var g Group
	var description, permissions sql.NullString

	err := row.Scan(&g.ID, &g.Name, &description, &permissions, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	g.Description = description.String
	g.Permissions = decodeStrings(permissions)
	return &g, nil
}

// ListGroups returns all groups ordered by name.
func (s *BaseStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.queryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AssignUserToGroup adds a user to a group; repeat assignment is a no-op.
func (s *BaseStore) AssignUserToGroup(ctx context.Context, userID, groupID int64) error {
	_, err := s.execContext(ctx, `
		INSERT INTO user_groups (user_id, group_id) VALUES (?, ?)
		ON CONFLICT(user_id, group_id) DO NOTHING
	`, userID, groupID)
	return err
}

// UserGroups returns the groups a user belongs to.
func (s *BaseStore) UserGroups(ctx context.Context, userID int64) ([]*Group, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+prefixColumns("g", groupColumns)+`
		FROM groups g
		JOIN user_groups ug ON ug.group_id = g.id
		WHERE ug.user_id = ?
		ORDER BY g.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertAssignment grants or updates a user's per-printer permissions.
func (s *BaseStore) UpsertAssignment(ctx context.Context, a *PrinterAssignment) error {
	_, err := s.execContext(ctx, `
		INSERT INTO printer_assignments (printer_id, user_id, can_control, can_view_details)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(printer_id, user_id) DO UPDATE SET
			can_control = excluded.can_control,
			can_view_details = excluded.can_view_details
	`, a.PrinterID, a.UserID, a.CanControl, a.CanViewDetails)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// GetAssignment reads a user's permissions for one printer. ErrNotFound
// means no assignment exists; callers treat that as no access.
func (s *BaseStore) GetAssignment(ctx context.Context, userID, printerID int64) (*PrinterAssignment, error) {
	var a PrinterAssignment
	err := s.queryRowContext(ctx, `
		SELECT printer_id, user_id, can_control, can_view_details, assigned_at
		FROM printer_assignments
		WHERE user_id = ? AND printer_id = ?
	`, userID, printerID).
		Scan(&a.PrinterID, &a.UserID, &a.CanControl, &a.CanViewDetails, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RemoveAssignment revokes a user's printer permissions.
func (s *BaseStore) RemoveAssignment(ctx context.Context, userID, printerID int64) error {
	res, err := s.execContext(ctx,
		`DELETE FROM printer_assignments WHERE user_id = ? AND printer_id = ?`,
		userID, printerID)
	if err != nil {
		return err
	}
	return requireRow(res)
}
