// PrinterHub Server - fleet coordinator for 3D printer agents.
// Printers poll over HTTP for queued commands and files; operators manage
// the fleet through the JSON API and a WebSocket event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/Debaq/printerhub/common/logger"
	"github.com/Debaq/printerhub/server/authz"
	"github.com/Debaq/printerhub/server/blob"
	"github.com/Debaq/printerhub/server/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version         = "dev"
	BuildTime       = "unknown"
	GitCommit       = "unknown"
	ProtocolVersion = "1"
)

var (
	serverConfig *Config
	serverLogger *logger.Logger
	serverStore  storage.Store
	serverBlobs  blob.Store
	accessCheck  *authz.Checker
	loginLimiter *LoginRateLimiter
	eventsHub    *EventHub
)

func main() {
	configPath := flag.String("config", "printerhub.toml", "Path to TOML config file")
	writeConfig := flag.Bool("write-config", false, "Write default config file and exit")
	logLevel := flag.String("log-level", "", "Override log level (error, warn, info, debug, trace)")
	flag.Parse()

	if *writeConfig {
		if err := WriteDefaultConfig(*configPath); err != nil {
			log.Fatal(err)
		}
		log.Printf("Wrote default config to %s", *configPath)
		return
	}

	var err error
	serverConfig, err = LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		serverConfig.Logging.Level = *logLevel
	}

	log.Printf("PrinterHub Server %s (protocol v%s)", Version, ProtocolVersion)
	log.Printf("Build: %s, Commit: %s", BuildTime, GitCommit)
	log.Printf("Go: %s, OS: %s, Arch: %s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	serverLogger = logger.New(logger.LevelFromString(serverConfig.Logging.Level), serverConfig.Logging.Dir, 1000)
	defer serverLogger.Close()
	storage.SetLogger(serverLogger)
	serverLogger.Info("Server starting", "version", Version, "protocol", ProtocolVersion)

	serverStore, err = storage.NewStore(&serverConfig.Database)
	if err != nil {
		serverLogger.Error("Failed to initialize database", "error", err)
		log.Fatal(err)
	}
	defer serverStore.Close()

	serverBlobs, err = newBlobStore(&serverConfig.Uploads)
	if err != nil {
		serverLogger.Error("Failed to initialize blob store", "error", err)
		log.Fatal(err)
	}

	accessCheck = authz.NewChecker(serverStore)
	eventsHub = NewEventHub()
	go eventsHub.Run()

	if serverConfig.Security.RateLimitEnabled {
		loginLimiter = NewLoginRateLimiter(
			serverConfig.Security.RateLimitMaxAttempts,
			time.Duration(serverConfig.Security.RateLimitBlockMinutes)*time.Minute,
			time.Duration(serverConfig.Security.RateLimitWindowMinutes)*time.Minute,
		)
		defer loginLimiter.Stop()
	}

	go maintenanceLoop()

	setupRoutes()

	addr := fmt.Sprintf("%s:%d", serverConfig.Server.BindAddress, serverConfig.Server.HTTPPort)
	log.Printf("Listening on %s", addr)
	serverLogger.Info("Server ready", "addr", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		serverLogger.Error("HTTP server stopped", "error", err)
		log.Fatal(err)
	}
}

func newBlobStore(cfg *UploadsConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "", "local":
		return blob.NewLocalStore(cfg.Dir)
	case "s3":
		return blob.NewS3Store(context.Background(), blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported uploads backend: %q", cfg.Backend)
	}
}

func setupRoutes() {
	http.HandleFunc("/health", handleHealth)
	http.HandleFunc("/api/version", handleVersion)

	// Operator auth
	http.HandleFunc("/api/auth/login", handleLogin)
	http.HandleFunc("/api/auth/logout", withSession(handleLogout))
	http.HandleFunc("/api/auth/logout_all", withSession(handleLogoutAll))
	http.HandleFunc("/api/auth/me", withSession(handleWhoAmI))
	http.HandleFunc("/api/auth/change_password", withSession(handleChangePassword))

	// Fleet views and administration
	http.HandleFunc("/api/printers", withSession(handleListPrinters))
	http.HandleFunc("/api/printers/detail", withSession(handlePrinterDetail))
	http.HandleFunc("/api/printers/create", withSession(handleCreatePrinter))
	http.HandleFunc("/api/printers/update", withSession(handleUpdatePrinter))
	http.HandleFunc("/api/printers/delete", withSession(handleDeletePrinter))
	http.HandleFunc("/api/printers/block", withSession(handleBlockPrinter))
	http.HandleFunc("/api/printers/notes", withSession(handlePrinterNotes))
	http.HandleFunc("/api/printers/tags", withSession(handlePrinterTags))
	http.HandleFunc("/api/printers/assign", withSession(handleAssignPrinter))
	http.HandleFunc("/api/printers/unassign", withSession(handleUnassignPrinter))
	http.HandleFunc("/api/printers/history", withSession(handleCommandHistoryView))

	// Command queue. Each control maps to its own route; /send remains the
	// generic kind-in-body form.
	http.HandleFunc("/api/commands/send", withSession(handleSendCommand))
	http.HandleFunc("/api/commands/pause", withSession(commandEndpoint(storage.KindPause)))
	http.HandleFunc("/api/commands/resume", withSession(commandEndpoint(storage.KindResume)))
	http.HandleFunc("/api/commands/cancel", withSession(commandEndpoint(storage.KindCancel)))
	http.HandleFunc("/api/commands/home", withSession(commandEndpoint(storage.KindHome)))
	http.HandleFunc("/api/commands/heat", withSession(commandEndpoint(storage.KindHeat)))
	http.HandleFunc("/api/commands/set_speed", withSession(commandEndpoint(storage.KindSetSpeed)))
	http.HandleFunc("/api/commands/gcode", withSession(commandEndpoint(storage.KindCustomGcode)))
	http.HandleFunc("/api/commands/emergency_stop", withSession(handleEmergencyStop))
	http.HandleFunc("/api/commands/pending", withSession(handlePendingCommands))

	// Users and audit
	http.HandleFunc("/api/users/create", withSession(handleCreateUser))
	http.HandleFunc("/api/audit", withSession(handleAuditLog))

	// Print files
	http.HandleFunc("/api/files", withSession(handleListFiles))
	http.HandleFunc("/api/files/upload", withSession(handleUploadFile))
	http.HandleFunc("/api/files/delete", withSession(handleDeleteFile))
	http.HandleFunc("/api/files/print", withSession(handlePrintFile))

	// Printer agent API, authenticated by device token
	http.HandleFunc("/api/printer/heartbeat", handleAgentHeartbeat)
	http.HandleFunc("/api/printer/commands", handleAgentPoll)
	http.HandleFunc("/api/printer/commands/ack", handleAgentAck)
	http.HandleFunc("/api/printer/files", handleAgentFiles)
	http.HandleFunc("/api/printer/files/download", handleAgentDownload)
	http.HandleFunc("/api/printer/files/mark_downloaded", handleAgentMarkDownloaded)

	// UI event stream
	http.HandleFunc("/api/ws", withSession(handleEventSocket))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{
		"version":          Version,
		"build_time":       BuildTime,
		"git_commit":       GitCommit,
		"protocol_version": ProtocolVersion,
		"go_version":       runtime.Version(),
	})
}

// maintenanceLoop runs periodic housekeeping: expired session cleanup.
func maintenanceLoop() {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		n, err := serverStore.DeleteExpiredSessions(context.Background())
		if err != nil {
			serverLogger.Warn("Session cleanup failed", "error", err)
			continue
		}
		if n > 0 {
			serverLogger.Debug("Expired sessions removed", "count", n)
		}
	}
}

// offlineThreshold returns the configured offline derivation window.
func offlineThreshold() time.Duration {
	secs := serverConfig.Server.OfflineThresholdSecs
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// recordAudit appends an audit entry. Audit failures are logged but never
// propagate; the action that triggered them has already happened.
func recordAudit(ctx context.Context, entry *storage.ActionLogEntry) {
	if err := serverStore.RecordAction(ctx, entry); err != nil {
		serverLogger.Error("Audit write failed", "action", entry.ActionType, "error", err)
	}
}
