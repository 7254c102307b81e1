package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Handlers map these to
// HTTP status codes.
var (
	ErrNotFound = errors.New("not found")
	ErrBlocked  = errors.New("blocked")
	ErrConflict = errors.New("already exists")
)

// Role is an operator account role. Admins bypass per-printer assignments.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// NormalizeRole maps arbitrary role strings onto a known Role.
func NormalizeRole(s string) Role {
	if s == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleUser
}

// Printer operational statuses as reported by agents. "offline" is never
// persisted; it is derived from last_seen at read time (see EffectiveStatus).
const (
	StatusIdle     = "idle"
	StatusPrinting = "printing"
	StatusPaused   = "paused"
	StatusError    = "error"
	StatusOffline  = "offline"
)

// EffectiveStatus derives the operator-visible status for a printer. Every
// read path that surfaces a printer status must go through this function so
// the offline derivation cannot drift between views.
func EffectiveStatus(stored string, lastSeen time.Time, now time.Time, threshold time.Duration) string {
	if lastSeen.IsZero() || now.Sub(lastSeen) > threshold {
		return StatusOffline
	}
	return stored
}

// CommandKind identifies what a queued instruction does. The wire type sent
// to agents ("basic" or "gcode") is derived from the kind.
type CommandKind string

const (
	KindGeneric       CommandKind = "generic"
	KindHome          CommandKind = "home"
	KindHeat          CommandKind = "heat"
	KindPause         CommandKind = "pause"
	KindResume        CommandKind = "resume"
	KindCancel        CommandKind = "cancel"
	KindEmergencyStop CommandKind = "emergency_stop"
	KindSetSpeed      CommandKind = "set_speed"
	KindCustomGcode   CommandKind = "custom_gcode"
	KindPrintFile     CommandKind = "print_file"
)

// Command priorities: lower value delivers first. Emergency stop is pinned
// to the minimum and always jumps the queue.
const (
	PriorityEmergency = 0
	PriorityControl   = 1 // pause, resume, cancel, print_file
	PriorityHome      = 2
	PriorityHeat      = 3
	PrioritySpeed     = 4
	PriorityDefault   = 5
)

// DefaultPriority returns the queue priority for a command kind.
func DefaultPriority(kind CommandKind) int {
	switch kind {
	case KindEmergencyStop:
		return PriorityEmergency
	case KindPause, KindResume, KindCancel, KindPrintFile:
		return PriorityControl
	case KindHome:
		return PriorityHome
	case KindHeat:
		return PriorityHeat
	case KindSetSpeed:
		return PrioritySpeed
	default:
		return PriorityDefault
	}
}

// WireType returns the agent-facing command class: "gcode" payloads are raw
// G-code lines, "basic" payloads are symbolic instructions (PAUSE, RESUME,
// EMERGENCY_STOP, PRINT_FILE:<key>, ...).
func (k CommandKind) WireType() string {
	switch k {
	case KindHome, KindHeat, KindSetSpeed, KindCustomGcode:
		return "gcode"
	default:
		return "basic"
	}
}

// CommandStatus is the queue lifecycle state of a Command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Printer is a physical device tracked by the coordinator, identified by an
// opaque token its agent presents on every call.
type Printer struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token,omitempty"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	IsBlocked bool      `json:"is_blocked"`
	IsPublic  bool      `json:"is_public"`
	Notes     string    `json:"notes,omitempty"`
}

// PrinterState is the latest full snapshot reported by a printer's agent.
// Exactly one row per printer, overwritten in place on every heartbeat.
type PrinterState struct {
	PrinterID        int64           `json:"printer_id"`
	Status           string          `json:"status"`
	Progress         float64         `json:"progress"`
	CurrentFile      string          `json:"current_file"`
	TempHotend       float64         `json:"temp_hotend"`
	TempBed          float64         `json:"temp_bed"`
	TempHotendTarget float64         `json:"temp_hotend_target"`
	TempBedTarget    float64         `json:"temp_bed_target"`
	PrintSpeed       int             `json:"print_speed"`
	FanSpeed         int             `json:"fan_speed"`
	TimeRemaining    *int64          `json:"time_remaining,omitempty"`
	Image            string          `json:"image,omitempty"`
	Uptime           string          `json:"uptime,omitempty"`
	BedStatus        string          `json:"bed_status,omitempty"`
	Filament         json.RawMessage `json:"filament,omitempty"`
	Tags             []string        `json:"tags"`
	Files            []string        `json:"files"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PrinterDetail pairs a printer with its latest state for list/detail views.
type PrinterDetail struct {
	Printer *Printer      `json:"printer"`
	State   *PrinterState `json:"state,omitempty"`
}

// PrinterFilter describes which printer rows a listing query returns.
// Visibility rules: anonymous viewers see public unblocked printers, regular
// users see their assigned unblocked printers, admins see everything.
type PrinterFilter struct {
	ViewerID *int64 // nil = anonymous
	Admin    bool
	Status   string // filter on stored state status, "" = all
	Search   string // substring match on name or token
}

// Command is a single queued instruction destined for one printer.
type Command struct {
	ID          int64         `json:"id"`
	PrinterID   int64         `json:"printer_id"`
	Kind        CommandKind   `json:"kind"`
	Payload     string        `json:"command"`
	Priority    int           `json:"priority"`
	Status      CommandStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// CommandHistoryEntry is the immutable issuance record written atomically
// with each Command insert. Result is recorded at enqueue time ("sent" means
// issued, not delivered); acknowledgment appends further entries rather than
// mutating this one.
type CommandHistoryEntry struct {
	ID           int64       `json:"id"`
	CommandID    int64       `json:"command_id"`
	PrinterID    int64       `json:"printer_id"`
	UserID       *int64      `json:"user_id,omitempty"`
	Username     string      `json:"username,omitempty"`
	Kind         CommandKind `json:"kind,omitempty"`
	Payload      string      `json:"command,omitempty"`
	Result       string      `json:"result"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ExecutedAt   time.Time   `json:"executed_at"`
}

// JobStatus is the lifecycle state of a print session.
type JobStatus string

const (
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a print session linking a printer, a file and the issuing user.
type Job struct {
	ID            int64      `json:"id"`
	PrinterID     int64      `json:"printer_id"`
	FileID        *int64     `json:"file_id,omitempty"`
	UserID        *int64     `json:"user_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	DurationSecs  *int64     `json:"duration_secs,omitempty"`
	FilamentGrams *float64   `json:"filament_grams,omitempty"`
	Status        JobStatus  `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	IsPrivate     bool       `json:"is_private"`
}

// File is a stored print artifact. PrinterID nil means the file is available
// to every printer. The coordinator treats content as opaque; bytes live in
// the blob store under StorageKey.
type File struct {
	ID           int64     `json:"id"`
	StorageKey   string    `json:"storage_key"`
	OriginalName string    `json:"original_name"`
	SizeBytes    int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum"`
	PrinterID    *int64    `json:"printer_id,omitempty"`
	UploadedBy   *int64    `json:"uploaded_by,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Downloaded   bool      `json:"downloaded"`
	IsPrivate    bool      `json:"is_private"`
}

// User is an operator account.
type User struct {
	ID              int64      `json:"id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	Role            Role       `json:"role"`
	CanPrintPrivate bool       `json:"can_print_private"`
	IsBlocked       bool       `json:"is_blocked"`
	CreatedAt       time.Time  `json:"created_at"`
	LastLogin       *time.Time `json:"last_login,omitempty"`
	LastIP          string     `json:"last_ip,omitempty"`
}

// IsAdmin reports whether the user bypasses per-printer permission checks.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Session binds a bearer token to a user until expiry. Token holds the raw
// token only on creation; the database stores a SHA-256 hash.
type Session struct {
	Token     string    `json:"token,omitempty"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Group is a named permission bundle.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// PrinterAssignment grants a user per-printer control/detail permissions,
// independent of group membership.
type PrinterAssignment struct {
	PrinterID      int64     `json:"printer_id"`
	UserID         int64     `json:"user_id"`
	CanControl     bool      `json:"can_control"`
	CanViewDetails bool      `json:"can_view_details"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// ActionLogEntry is a system-wide audit record of a mutating API call.
type ActionLogEntry struct {
	ID          int64                  `json:"id"`
	UserID      *int64                 `json:"user_id,omitempty"`
	Username    string                 `json:"username,omitempty"`
	ActionType  string                 `json:"action_type"`
	TargetType  string                 `json:"target_type,omitempty"`
	TargetID    *int64                 `json:"target_id,omitempty"`
	TargetName  string                 `json:"target_name,omitempty"`
	Description string                 `json:"description,omitempty"`
	IPAddress   string                 `json:"ip_address,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ActionLogFilter narrows audit log reads.
type ActionLogFilter struct {
	PrinterID  *int64
	ActionType string
	Limit      int
}

// HeartbeatSnapshot is the full state a printer agent pushes every few
// seconds. Field semantics match PrinterState; Name lets the agent rename
// its printer, Files lists artifacts already resident on the device.
type HeartbeatSnapshot struct {
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	Progress         float64         `json:"progress"`
	CurrentFile      string          `json:"current_file"`
	TempHotend       float64         `json:"temp_hotend"`
	TempBed          float64         `json:"temp_bed"`
	TempHotendTarget float64         `json:"temp_hotend_target"`
	TempBedTarget    float64         `json:"temp_bed_target"`
	PrintSpeed       int             `json:"print_speed"`
	FanSpeed         int             `json:"fan_speed"`
	TimeRemaining    *int64          `json:"time_remaining"`
	Image            string          `json:"image"`
	Uptime           string          `json:"uptime"`
	BedStatus        string          `json:"bed_status"`
	Filament         json.RawMessage `json:"filament"`
	Tags             []string        `json:"tags"`
	Files            []string        `json:"files"`
}

// Store defines the interface for coordinator data storage.
type Store interface {
	// Printer identity and administration
	GetOrCreatePrinterByToken(ctx context.Context, token, name string) (*Printer, bool, error)
	GetPrinterByToken(ctx context.Context, token string) (*Printer, error)
	GetPrinter(ctx context.Context, id int64) (*Printer, error)
	CreatePrinter(ctx context.Context, printer *Printer) error
	UpdatePrinter(ctx context.Context, id int64, name *string, isPublic *bool) error
	DeletePrinter(ctx context.Context, id int64) error
	SetPrinterBlocked(ctx context.Context, id int64, blocked bool) error
	UpdatePrinterNotes(ctx context.Context, id int64, notes string) error
	UpdatePrinterTags(ctx context.Context, id int64, tags []string) error

	// State ingestion and reads
	ApplyHeartbeat(ctx context.Context, printerID int64, snap *HeartbeatSnapshot, now time.Time) error
	GetPrinterState(ctx context.Context, printerID int64) (*PrinterState, error)
	GetPrinterDetail(ctx context.Context, id int64) (*PrinterDetail, error)
	ListPrinters(ctx context.Context, filter PrinterFilter) ([]*PrinterDetail, error)

	// Command queue
	EnqueueCommand(ctx context.Context, cmd *Command, issuer *int64) error
	EnqueueCommandWithJob(ctx context.Context, cmd *Command, issuer *int64, job *Job) error
	ClaimPendingCommands(ctx context.Context, printerID int64, maxCount int) ([]*Command, error)
	AcknowledgeCommand(ctx context.Context, printerID, commandID int64, status CommandStatus, message string) error
	PendingCommands(ctx context.Context, printerID int64) ([]*Command, error)
	CommandHistory(ctx context.Context, printerID int64, limit int) ([]*CommandHistoryEntry, error)

	// Users and sessions
	CreateUser(ctx context.Context, user *User, rawPassword string) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByLogin(ctx context.Context, usernameOrEmail string) (*User, error)
	AuthenticateUser(ctx context.Context, usernameOrEmail, rawPassword string) (*User, error)
	UpdateUserPassword(ctx context.Context, userID int64, rawPassword string) error
	CreateSession(ctx context.Context, userID int64, ttl time.Duration, ip, userAgent string) (*Session, error)
	GetSessionUser(ctx context.Context, token string) (*User, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteOtherSessions(ctx context.Context, userID int64, keepToken string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	// Groups and printer assignments
	CreateGroup(ctx context.Context, group *Group) error
	ListGroups(ctx context.Context) ([]*Group, error)
	AssignUserToGroup(ctx context.Context, userID, groupID int64) error
	UserGroups(ctx context.Context, userID int64) ([]*Group, error)
	UpsertAssignment(ctx context.Context, a *PrinterAssignment) error
	GetAssignment(ctx context.Context, userID, printerID int64) (*PrinterAssignment, error)
	RemoveAssignment(ctx context.Context, userID, printerID int64) error

	// Files and jobs
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id int64) (*File, error)
	GetFileForPrinter(ctx context.Context, storageKey string, printerID int64) (*File, error)
	ListPrinterFiles(ctx context.Context, printerID int64) ([]*File, error)
	ListFiles(ctx context.Context, viewer *User) ([]*File, error)
	MarkFileDownloaded(ctx context.Context, storageKey string, printerID int64) (*File, error)
	DeleteFile(ctx context.Context, id int64) error
	CreateJob(ctx context.Context, job *Job) error
	GetOpenJob(ctx context.Context, printerID int64) (*Job, error)
	CloseJob(ctx context.Context, jobID int64, status JobStatus, endedAt time.Time) error

	// Audit log
	RecordAction(ctx context.Context, entry *ActionLogEntry) error
	ActionLog(ctx context.Context, filter ActionLogFilter) ([]*ActionLogEntry, error)

	// Utility
	Close() error
}
