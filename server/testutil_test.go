package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/Debaq/printerhub/common/logger"
	"github.com/Debaq/printerhub/server/authz"
	"github.com/Debaq/printerhub/server/blob"
	"github.com/Debaq/printerhub/server/storage"
)

// SetupTestServer wires the package globals to an in-memory store, a
// temp-dir blob store and a quiet logger. Every handler test starts here.
func SetupTestServer(t *testing.T) storage.Store {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	serverStore = store
	t.Cleanup(func() {
		_ = store.Close()
	})

	blobs, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test blob store: %v", err)
	}
	serverBlobs = blobs

	serverConfig = DefaultConfig()
	serverLogger = logger.New(logger.ERROR, "", 100)
	serverLogger.SetConsoleOutput(false)
	storage.SetLogger(serverLogger)
	accessCheck = authz.NewChecker(store)
	loginLimiter = nil
	eventsHub = NewEventHub()
	go eventsHub.Run()
	t.Cleanup(eventsHub.Stop)

	return store
}

// NewTestAdmin creates and persists an admin account.
func NewTestAdmin(t *testing.T, store storage.Store) *storage.User {
	t.Helper()
	u := &storage.User{Username: "test-admin", Email: "admin@example.com", Role: storage.RoleAdmin}
	if err := store.CreateUser(context.Background(), u, "admin-password-1"); err != nil {
		t.Fatalf("failed to create admin: %v", err)
	}
	return u
}

// NewTestOperator creates and persists a regular user account.
func NewTestOperator(t *testing.T, store storage.Store, username string) *storage.User {
	t.Helper()
	u := &storage.User{Username: username, Email: username + "@example.com", Role: storage.RoleUser}
	if err := store.CreateUser(context.Background(), u, "user-password-1"); err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	return u
}

// NewTestPrinter creates and persists a printer, returning it with token.
func NewTestPrinter(t *testing.T, store storage.Store, name string, public bool) *storage.Printer {
	t.Helper()
	p := &storage.Printer{Name: name, IsPublic: public}
	if err := store.CreatePrinter(context.Background(), p); err != nil {
		t.Fatalf("failed to create printer %s: %v", name, err)
	}
	return p
}

// jsonBody marshals a value into a request body reader.
func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(payload)
}

// InjectTestUser adds the provided principal into the request context.
func InjectTestUser(req *http.Request, user *storage.User) *http.Request {
	return req.WithContext(contextWithPrincipal(req.Context(), user))
}

// WrapWithUser wraps a handler so every request carries the given
// principal, bypassing session resolution.
func WrapWithUser(h http.HandlerFunc, user *storage.User) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, InjectTestUser(r, user))
	}
}
