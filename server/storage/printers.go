package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const printerColumns = `id, token, name, status, last_seen, created_at, is_blocked, is_public, notes`

func scanPrinter(row interface{ Scan(...interface{}) error }) (*Printer, error) {
	var p Printer
	var lastSeen sql.NullTime
	var notes sql.NullString

	err := row.Scan(&p.ID, &p.Token, &p.Name, &p.Status, &lastSeen, &p.CreatedAt, &p.IsBlocked, &p.IsPublic, &notes)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		p.LastSeen = lastSeen.Time
	}
	p.Notes = notes.String
	return &p, nil
}

// GetOrCreatePrinterByToken resolves an agent token to its printer,
// creating the printer on first contact. The boolean return reports whether
// a new row was created. Two agents racing on the same unseen token both
// succeed; the insert is conflict-tolerant and the row is re-read after.
func (s *BaseStore) GetOrCreatePrinterByToken(ctx context.Context, token, name string) (*Printer, bool, error) {
	if token == "" {
		return nil, false, fmt.Errorf("empty printer token")
	}

	p, err := s.GetPrinterByToken(ctx, token)
	if err == nil {
		return p, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	if name == "" {
		name = "Printer " + safeTokenPrefix(token)
	}

	// New printers start offline; the first heartbeat reports real status.
	_, err = s.execContext(ctx, `
		INSERT INTO printers (token, name, status, last_seen)
		VALUES (?, ?, 'offline', CURRENT_TIMESTAMP)
		ON CONFLICT(token) DO NOTHING
	`, token, name)
	if err != nil {
		return nil, false, fmt.Errorf("create printer: %w", err)
	}

	p, err = s.GetPrinterByToken(ctx, token)
	if err != nil {
		return nil, false, err
	}

	logInfo("printer registered", "printer_id", p.ID, "name", p.Name)
	return p, true, nil
}

// GetPrinterByToken looks up a printer by its agent token.
func (s *BaseStore) GetPrinterByToken(ctx context.Context, token string) (*Printer, error) {
	row := s.queryRowContext(ctx, `SELECT `+printerColumns+` FROM printers WHERE token = ?`, token)
	return scanPrinter(row)
}

// GetPrinter looks up a printer by ID.
func (s *BaseStore) GetPrinter(ctx context.Context, id int64) (*Printer, error) {
	row := s.queryRowContext(ctx, `SELECT `+printerColumns+` FROM printers WHERE id = ?`, id)
	return scanPrinter(row)
}

// CreatePrinter pre-registers a printer before its agent ever connects.
// A token is generated when the caller does not supply one; the generated
// token is returned on the struct.
func (s *BaseStore) CreatePrinter(ctx context.Context, printer *Printer) error {
	if printer.Token == "" {
		token, err := generateSecureToken(32)
		if err != nil {
			return fmt.Errorf("generate printer token: %w", err)
		}
		printer.Token = token
	}
	if printer.Name == "" {
		printer.Name = "Printer " + safeTokenPrefix(printer.Token)
	}
	if printer.Status == "" {
		printer.Status = StatusOffline
	}

	err := s.queryRowContext(ctx, `
		INSERT INTO printers (token, name, status, is_public, notes)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, created_at
	`, printer.Token, printer.Name, printer.Status, printer.IsPublic, nullString(printer.Notes)).
		Scan(&printer.ID, &printer.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "duplicate") {
			return ErrConflict
		}
		return fmt.Errorf("create printer: %w", err)
	}
	return nil
}

// UpdatePrinter changes the mutable admin-facing printer fields. Nil
// pointers leave the field untouched.
func (s *BaseStore) UpdatePrinter(ctx context.Context, id int64, name *string, isPublic *bool) error {
	sets := []string{}
	args := []interface{}{}
	if name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *name)
	}
	if isPublic != nil {
		sets = append(sets, "is_public = ?")
		args = append(args, *isPublic)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.execContext(ctx, `UPDATE printers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeletePrinter removes a printer and, via foreign keys, its state,
// commands, history, jobs and bound files.
func (s *BaseStore) DeletePrinter(ctx context.Context, id int64) error {
	res, err := s.execContext(ctx, `DELETE FROM printers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetPrinterBlocked blocks or unblocks a printer. Blocked printers stay
// visible to admins but reject heartbeats, polls and new commands.
func (s *BaseStore) SetPrinterBlocked(ctx context.Context, id int64, blocked bool) error {
	res, err := s.execContext(ctx, `UPDATE printers SET is_blocked = ? WHERE id = ?`, blocked, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	logInfo("printer block changed", "printer_id", id, "blocked", blocked)
	return nil
}

// UpdatePrinterNotes replaces the admin notes on a printer.
func (s *BaseStore) UpdatePrinterNotes(ctx context.Context, id int64, notes string) error {
	res, err := s.execContext(ctx, `UPDATE printers SET notes = ? WHERE id = ?`, nullString(notes), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdatePrinterTags replaces the tag list on a printer's state row,
// creating the row if the printer has never reported.
func (s *BaseStore) UpdatePrinterTags(ctx context.Context, id int64, tags []string) error {
	_, err := s.execContext(ctx, `
		INSERT INTO printer_states (printer_id, tags, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(printer_id) DO UPDATE SET tags = excluded.tags
	`, id, encodeStrings(tags))
	return err
}

// ApplyHeartbeat atomically records a full agent snapshot: the printer row
// (name, stored status, last_seen) and the state row are updated in one
// transaction so readers never observe a half-applied heartbeat.
func (s *BaseStore) ApplyHeartbeat(ctx context.Context, printerID int64, snap *HeartbeatSnapshot, now time.Time) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}

	status := snap.Status
	if status == "" {
		status = StatusIdle
	}

	return s.withTx(ctx, func(tx *storeTx) error {
		if snap.Name != "" {
			_, err := tx.execContext(ctx,
				`UPDATE printers SET name = ?, status = ?, last_seen = ? WHERE id = ?`,
				snap.Name, status, now, printerID)
			if err != nil {
				return err
			}
		} else {
			_, err := tx.execContext(ctx,
				`UPDATE printers SET status = ?, last_seen = ? WHERE id = ?`,
				status, now, printerID)
			if err != nil {
				return err
			}
		}

		_, err := tx.execContext(ctx, `
			INSERT INTO printer_states (
				printer_id, status, progress, current_file,
				temp_hotend, temp_bed, temp_hotend_target, temp_bed_target,
				print_speed, fan_speed, time_remaining, image, uptime,
				bed_status, filament, tags, files, raw_data, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(printer_id) DO UPDATE SET
				status = excluded.status,
				progress = excluded.progress,
				current_file = excluded.current_file,
				temp_hotend = excluded.temp_hotend,
				temp_bed = excluded.temp_bed,
				temp_hotend_target = excluded.temp_hotend_target,
				temp_bed_target = excluded.temp_bed_target,
				print_speed = excluded.print_speed,
				fan_speed = excluded.fan_speed,
				time_remaining = excluded.time_remaining,
				image = excluded.image,
				uptime = excluded.uptime,
				bed_status = excluded.bed_status,
				filament = excluded.filament,
				tags = excluded.tags,
				files = excluded.files,
				raw_data = excluded.raw_data,
				updated_at = excluded.updated_at
		`,
			printerID, status, snap.Progress, nullString(snap.CurrentFile),
			snap.TempHotend, snap.TempBed, snap.TempHotendTarget, snap.TempBedTarget,
			snap.PrintSpeed, snap.FanSpeed, nullInt64Ptr(snap.TimeRemaining),
			nullString(snap.Image), nullString(snap.Uptime), nullString(snap.BedStatus),
			nullString(string(snap.Filament)), encodeStrings(snap.Tags), encodeStrings(snap.Files),
			string(raw), now)
		return err
	})
}

const stateColumns = `printer_id, status, progress, current_file,
	temp_hotend, temp_bed, temp_hotend_target, temp_bed_target,
	print_speed, fan_speed, time_remaining, image, uptime,
	bed_status, filament, tags, files, updated_at`

func scanState(row interface{ Scan(...interface{}) error }) (*PrinterState, error) {
	var st PrinterState
	var currentFile, image, uptime, bedStatus, filament, tags, files sql.NullString
	var timeRemaining sql.NullInt64

	err := row.Scan(&st.PrinterID, &st.Status, &st.Progress, &currentFile,
		&st.TempHotend, &st.TempBed, &st.TempHotendTarget, &st.TempBedTarget,
		&st.PrintSpeed, &st.FanSpeed, &timeRemaining, &image, &uptime,
		&bedStatus, &filament, &tags, &files, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	st.CurrentFile = currentFile.String
	st.Image = image.String
	st.Uptime = uptime.String
	st.BedStatus = bedStatus.String
	if filament.Valid {
		st.Filament = json.RawMessage(filament.String)
	}
	st.Tags = decodeStrings(tags)
	st.Files = decodeStrings(files)
	st.TimeRemaining = int64Ptr(timeRemaining)
	return &st, nil
}

// GetPrinterState reads the latest reported snapshot for a printer.
// Returns ErrNotFound if the printer has never sent a heartbeat.
func (s *BaseStore) GetPrinterState(ctx context.Context, printerID int64) (*PrinterState, error) {
	row := s.queryRowContext(ctx, `SELECT `+stateColumns+` FROM printer_states WHERE printer_id = ?`, printerID)
	return scanState(row)
}

// GetPrinterDetail reads a printer together with its latest state.
func (s *BaseStore) GetPrinterDetail(ctx context.Context, id int64) (*PrinterDetail, error) {
	p, err := s.GetPrinter(ctx, id)
	if err != nil {
		return nil, err
	}

	st, err := s.GetPrinterState(ctx, id)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	return &PrinterDetail{Printer: p, State: st}, nil
}

// ListPrinters returns printers visible to the filter's viewer, newest
// activity first. Anonymous viewers see public unblocked printers, regular
// users additionally see their assigned printers, admins see everything.
func (s *BaseStore) ListPrinters(ctx context.Context, filter PrinterFilter) ([]*PrinterDetail, error) {
	where := []string{}
	args := []interface{}{}

	switch {
	case filter.Admin:
		// no visibility restriction
	case filter.ViewerID != nil:
		where = append(where, `p.is_blocked = ? AND (p.is_public = ? OR EXISTS (
			SELECT 1 FROM printer_assignments a WHERE a.printer_id = p.id AND a.user_id = ?
		))`)
		args = append(args, false, true, *filter.ViewerID)
	default:
		where = append(where, `p.is_blocked = ? AND p.is_public = ?`)
		args = append(args, false, true)
	}

	if filter.Status != "" {
		where = append(where, `p.status = ?`)
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where = append(where, `(LOWER(p.name) LIKE LOWER(?) OR LOWER(p.token) LIKE LOWER(?))`)
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}

	q := `SELECT ` + prefixColumns("p", printerColumns) + ` FROM printers p`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	// Never-seen printers sort last regardless of dialect NULL ordering.
	q += ` ORDER BY p.last_seen IS NULL, p.last_seen DESC, p.id`

	rows, err := s.queryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PrinterDetail
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &PrinterDetail{Printer: p})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach states in one pass rather than a query per printer.
	if len(out) > 0 {
		states, err := s.statesByPrinter(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range out {
			d.State = states[d.Printer.ID]
		}
	}

	return out, nil
}

func (s *BaseStore) statesByPrinter(ctx context.Context) (map[int64]*PrinterState, error) {
	rows, err := s.queryContext(ctx, `SELECT `+stateColumns+` FROM printer_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[int64]*PrinterState)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states[st.PrinterID] = st
	}
	return states, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// safeTokenPrefix returns a short token prefix usable in display names and
// logs without leaking the credential.
func safeTokenPrefix(token string) string {
	if len(token) < 8 {
		return "unknown"
	}
	return token[:8]
}
