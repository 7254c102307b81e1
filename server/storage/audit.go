package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MaxActionLogLimit caps audit log reads.
const MaxActionLogLimit = 500

// RecordAction appends an audit record. The log is append-only; nothing in
// this package updates or deletes action_logs rows.
func (s *BaseStore) RecordAction(ctx context.Context, entry *ActionLogEntry) error {
	if entry.ActionType == "" {
		return fmt.Errorf("action type is required")
	}

	meta, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	err = s.queryRowContext(ctx, `
		INSERT INTO action_logs (user_id, username, action_type, target_type, target_id,
			target_name, description, ip_address, user_agent, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, created_at
	`, nullInt64Ptr(entry.UserID), nullString(entry.Username), entry.ActionType,
		nullString(entry.TargetType), nullInt64Ptr(entry.TargetID), nullString(entry.TargetName),
		nullString(entry.Description), nullString(entry.IPAddress), nullString(entry.UserAgent), meta).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// ActionLog reads audit entries newest first. The limit is capped at
// MaxActionLogLimit.
func (s *BaseStore) ActionLog(ctx context.Context, filter ActionLogFilter) ([]*ActionLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > MaxActionLogLimit {
		limit = MaxActionLogLimit
	}

	where := []string{}
	args := []interface{}{}
	if filter.PrinterID != nil {
		where = append(where, `target_type = 'printer' AND target_id = ?`)
		args = append(args, *filter.PrinterID)
	}
	if filter.ActionType != "" {
		where = append(where, `action_type = ?`)
		args = append(args, filter.ActionType)
	}

	q := `SELECT id, user_id, username, action_type, target_type, target_id, target_name,
		description, ip_address, user_agent, metadata, created_at
		FROM action_logs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.queryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionLogEntry
	for rows.Next() {
		var e ActionLogEntry
		var userID, targetID sql.NullInt64
		var username, targetType, targetName, description, ip, ua, meta sql.NullString

		if err := rows.Scan(&e.ID, &userID, &username, &e.ActionType, &targetType, &targetID,
			&targetName, &description, &ip, &ua, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}

		e.UserID = int64Ptr(userID)
		e.Username = username.String
		e.TargetType = targetType.String
		e.TargetID = int64Ptr(targetID)
		e.TargetName = targetName.String
		e.Description = description.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.Metadata = decodeMetadata(meta)
		out = append(out, &e)
	}
	return out, rows.Err()
}
