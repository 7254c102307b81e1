package storage

import (
	"context"
	"testing"
)

func TestRecordActionAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "auditor", RoleAdmin)
	p := newTestPrinter(t, s, "tok-audit-0001")

	entries := []*ActionLogEntry{
		{
			UserID: &u.ID, Username: u.Username, ActionType: "printer.block",
			TargetType: "printer", TargetID: &p.ID, TargetName: "Printer A",
			IPAddress: "10.1.2.3",
			Metadata:  map[string]interface{}{"reason": "maintenance"},
		},
		{
			UserID: &u.ID, Username: u.Username, ActionType: "user.create",
			TargetType: "user", Description: "created operator account",
		},
		{
			ActionType: "printer.command",
			TargetType: "printer", TargetID: &p.ID,
		},
	}
	for i, e := range entries {
		if err := s.RecordAction(ctx, e); err != nil {
			t.Fatalf("RecordAction(%d): %v", i, err)
		}
		if e.ID == 0 {
			t.Fatalf("entry %d: ID not assigned", i)
		}
	}

	if err := s.RecordAction(ctx, &ActionLogEntry{}); err == nil {
		t.Error("expected error for empty action type")
	}

	all, err := s.ActionLog(ctx, ActionLogFilter{})
	if err != nil {
		t.Fatalf("ActionLog: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ActionType != "printer.command" {
		t.Errorf("first entry = %q, want newest", all[0].ActionType)
	}

	// Metadata round-trips.
	var blockEntry *ActionLogEntry
	for _, e := range all {
		if e.ActionType == "printer.block" {
			blockEntry = e
		}
	}
	if blockEntry == nil {
		t.Fatal("printer.block entry missing")
	}
	if blockEntry.Metadata["reason"] != "maintenance" {
		t.Errorf("metadata = %v, want reason=maintenance", blockEntry.Metadata)
	}

	// Per-printer filter.
	byPrinter, err := s.ActionLog(ctx, ActionLogFilter{PrinterID: &p.ID})
	if err != nil {
		t.Fatalf("ActionLog by printer: %v", err)
	}
	if len(byPrinter) != 2 {
		t.Errorf("printer entries = %d, want 2", len(byPrinter))
	}

	// Action type filter with limit.
	typed, err := s.ActionLog(ctx, ActionLogFilter{ActionType: "user.create", Limit: 1})
	if err != nil {
		t.Fatalf("ActionLog by type: %v", err)
	}
	if len(typed) != 1 || typed[0].ActionType != "user.create" {
		t.Errorf("typed entries = %+v, want single user.create", typed)
	}
}
