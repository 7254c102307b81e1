package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MaxCommandBatch caps how many commands a single poll may claim.
const MaxCommandBatch = 10

// MaxHistoryLimit caps command history reads.
const MaxHistoryLimit = 200

const commandColumns = `id, printer_id, kind, command, priority, status, created_at, sent_at, completed_at`

func scanCommand(row interface{ Scan(...interface{}) error }) (*Command, error) {
	var c Command
	var sentAt, completedAt sql.NullTime

	err := row.Scan(&c.ID, &c.PrinterID, &c.Kind, &c.Payload, &c.Priority, &c.Status, &c.CreatedAt, &sentAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.SentAt = timePtr(sentAt)
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}

// EnqueueCommand inserts a pending command and its issuance history record
// in one transaction. The target printer must exist and not be blocked.
// Priority defaults from the kind when unset; callers may lower (raise
// urgency) but the store never silently reorders an explicit priority.
func (s *BaseStore) EnqueueCommand(ctx context.Context, cmd *Command, issuer *int64) error {
	return s.withTx(ctx, func(tx *storeTx) error {
		return enqueueCommandTx(ctx, tx, cmd, issuer)
	})
}

// EnqueueCommandWithJob queues a command and opens the job tracking it in
// a single transaction: a dispatch is never queued without its job, and a
// job never exists for a dispatch that failed.
func (s *BaseStore) EnqueueCommandWithJob(ctx context.Context, cmd *Command, issuer *int64, job *Job) error {
	if job.Status == "" {
		job.Status = JobInProgress
	}

	return s.withTx(ctx, func(tx *storeTx) error {
		if err := enqueueCommandTx(ctx, tx, cmd, issuer); err != nil {
			return err
		}

		err := tx.queryRowContext(ctx, `
			INSERT INTO jobs (printer_id, file_id, user_id, status, is_private)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id, started_at
		`, job.PrinterID, nullInt64Ptr(job.FileID), nullInt64Ptr(job.UserID), job.Status, job.IsPrivate).
			Scan(&job.ID, &job.StartedAt)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
}

func enqueueCommandTx(ctx context.Context, tx *storeTx, cmd *Command, issuer *int64) error {
	if cmd.Kind == "" {
		cmd.Kind = KindGeneric
	}
	if cmd.Priority == 0 && cmd.Kind != KindEmergencyStop {
		cmd.Priority = DefaultPriority(cmd.Kind)
	}
	cmd.Status = CommandPending

	var blocked bool
	err := tx.queryRowContext(ctx, `SELECT is_blocked FROM printers WHERE id = ?`, cmd.PrinterID).Scan(&blocked)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}

	err = tx.queryRowContext(ctx, `
		INSERT INTO commands (printer_id, kind, type, command, priority, status)
		VALUES (?, ?, ?, ?, ?, 'pending')
		RETURNING id, created_at
	`, cmd.PrinterID, cmd.Kind, cmd.Kind.WireType(), cmd.Payload, cmd.Priority).
		Scan(&cmd.ID, &cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}

	// Issuance record: "sent" means the command entered the queue, not
	// that the printer received it.
	_, err = tx.execContext(ctx, `
		INSERT INTO command_history (command_id, printer_id, user_id, kind, command, result)
		VALUES (?, ?, ?, ?, ?, 'sent')
	`, cmd.ID, cmd.PrinterID, nullInt64Ptr(issuer), cmd.Kind, cmd.Payload)
	if err != nil {
		return fmt.Errorf("insert command history: %w", err)
	}
	return nil
}

// ClaimPendingCommands atomically transitions up to maxCount pending
// commands to sent and returns them in delivery order: priority ascending,
// then oldest first. A command is claimed exactly once; concurrent polls
// for the same printer never receive the same command.
func (s *BaseStore) ClaimPendingCommands(ctx context.Context, printerID int64, maxCount int) ([]*Command, error) {
	if maxCount <= 0 || maxCount > MaxCommandBatch {
		maxCount = MaxCommandBatch
	}

	var claimed []*Command
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *storeTx) error {
		rows, err := tx.queryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM commands
			WHERE printer_id = ? AND status = 'pending'
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT %d
		`, commandColumns, maxCount), printerID)
		if err != nil {
			return err
		}
		defer rows.Close()

		var candidates []*Command
		for rows.Next() {
			c, err := scanCommand(rows)
			if err != nil {
				return err
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		// The conditional update is authoritative: a row whose status moved
		// underneath the select is simply not delivered. Only rows this
		// transaction transitioned are returned.
		for _, c := range candidates {
			res, err := tx.execContext(ctx, `
				UPDATE commands SET status = 'sent', sent_at = ?
				WHERE id = ? AND status = 'pending'
			`, now, c.ID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 1 {
				claimed = append(claimed, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range claimed {
		c.Status = CommandSent
		t := now
		c.SentAt = &t
	}

	if len(claimed) > 0 {
		logDebug("commands claimed", "printer_id", printerID, "count", len(claimed))
	}
	return claimed, nil
}

// AcknowledgeCommand records the terminal outcome of a previously claimed
// command. Only sent commands can be acknowledged; pending or already
// terminal commands return ErrNotFound so a stale or duplicate ack cannot
// rewrite history.
func (s *BaseStore) AcknowledgeCommand(ctx context.Context, printerID, commandID int64, status CommandStatus, message string) error {
	if status != CommandCompleted && status != CommandFailed {
		return fmt.Errorf("invalid acknowledgment status: %q", status)
	}

	return s.withTx(ctx, func(tx *storeTx) error {
		res, err := tx.execContext(ctx, `
			UPDATE commands SET status = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND printer_id = ? AND status = 'sent'
		`, status, commandID, printerID)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}

		var kind CommandKind
		var payload string
		if err := tx.queryRowContext(ctx, `SELECT kind, command FROM commands WHERE id = ?`, commandID).
			Scan(&kind, &payload); err != nil {
			return err
		}

		_, err = tx.execContext(ctx, `
			INSERT INTO command_history (command_id, printer_id, kind, command, result, error_message)
			VALUES (?, ?, ?, ?, ?, ?)
		`, commandID, printerID, kind, payload, string(status), nullString(message))
		return err
	})
}

// PendingCommands lists a printer's undelivered commands in delivery order
// without claiming them.
func (s *BaseStore) PendingCommands(ctx context.Context, printerID int64) ([]*Command, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE printer_id = ? AND status = 'pending'
		ORDER BY priority ASC, created_at ASC, id ASC
	`, printerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommandHistory returns the newest history entries for a printer, most
// recent first. limit is capped at MaxHistoryLimit.
func (s *BaseStore) CommandHistory(ctx context.Context, printerID int64, limit int) ([]*CommandHistoryEntry, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	rows, err := s.queryContext(ctx, fmt.Sprintf(`
		SELECT h.id, h.command_id, h.printer_id, h.user_id, u.username,
		       h.kind, h.command, h.result, h.error_message, h.executed_at
		FROM command_history h
		LEFT JOIN users u ON u.id = h.user_id
		WHERE h.printer_id = ?
		ORDER BY h.executed_at DESC, h.id DESC
		LIMIT %d
	`, limit), printerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CommandHistoryEntry
	for rows.Next() {
		var e CommandHistoryEntry
		var commandID, userID sql.NullInt64
		var username, kind, payload, errMsg sql.NullString

		if err := rows.Scan(&e.ID, &commandID, &e.PrinterID, &userID, &username,
			&kind, &payload, &e.Result, &errMsg, &e.ExecutedAt); err != nil {
			return nil, err
		}

		if commandID.Valid {
			e.CommandID = commandID.Int64
		}
		e.UserID = int64Ptr(userID)
		e.Username = username.String
		e.Kind = CommandKind(kind.String)
		e.Payload = payload.String
		e.ErrorMessage = errMsg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
