package storage

import (
	"context"
	"testing"
	"time"
)

func TestGetOrCreatePrinterByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, created, err := s.GetOrCreatePrinterByToken(ctx, "tok-alpha-12345678", "Voron")
	if err != nil {
		t.Fatalf("GetOrCreatePrinterByToken: %v", err)
	}
	if !created {
		t.Fatal("expected first contact to create the printer")
	}
	if p.Name != "Voron" {
		t.Errorf("name = %q, want Voron", p.Name)
	}
	if p.Status != StatusOffline {
		t.Errorf("first-contact status = %q, want offline until a heartbeat", p.Status)
	}

	// Same token resolves to the same printer, no duplicate.
	again, created, err := s.GetOrCreatePrinterByToken(ctx, "tok-alpha-12345678", "Renamed")
	if err != nil {
		t.Fatalf("second GetOrCreatePrinterByToken: %v", err)
	}
	if created {
		t.Error("expected second contact to resolve, not create")
	}
	if again.ID != p.ID {
		t.Errorf("printer id = %d, want %d", again.ID, p.ID)
	}

	if _, _, err := s.GetOrCreatePrinterByToken(ctx, "", "x"); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestGetOrCreatePrinterDefaultName(t *testing.T) {
	s := newTestStore(t)

	p, _, err := s.GetOrCreatePrinterByToken(context.Background(), "tok-beta-87654321", "")
	if err != nil {
		t.Fatalf("GetOrCreatePrinterByToken: %v", err)
	}
	if p.Name != "Printer tok-beta" {
		t.Errorf("default name = %q, want token-prefix form", p.Name)
	}
}

func TestApplyHeartbeatUpsertsState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-heartbeat-1")
	now := time.Now().UTC().Truncate(time.Second)

	snap := &HeartbeatSnapshot{
		Status:      StatusPrinting,
		Progress:    42.5,
		CurrentFile: "benchy.gcode",
		TempHotend:  210.1,
		TempBed:     60.0,
		PrintSpeed:  100,
		Tags:        []string{"lab"},
		Files:       []string{"benchy.gcode"},
	}
	if err := s.ApplyHeartbeat(ctx, p.ID, snap, now); err != nil {
		t.Fatalf("ApplyHeartbeat: %v", err)
	}

	st, err := s.GetPrinterState(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrinterState: %v", err)
	}
	if st.Status != StatusPrinting || st.Progress != 42.5 || st.CurrentFile != "benchy.gcode" {
		t.Errorf("state = %+v, want printing/42.5/benchy.gcode", st)
	}
	if len(st.Tags) != 1 || st.Tags[0] != "lab" {
		t.Errorf("tags = %v, want [lab]", st.Tags)
	}

	// Second heartbeat replaces, never accumulates.
	snap2 := &HeartbeatSnapshot{Status: StatusIdle, Progress: 0}
	if err := s.ApplyHeartbeat(ctx, p.ID, snap2, now.Add(5*time.Second)); err != nil {
		t.Fatalf("second ApplyHeartbeat: %v", err)
	}
	st, err = s.GetPrinterState(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrinterState after second heartbeat: %v", err)
	}
	if st.Status != StatusIdle || st.CurrentFile != "" {
		t.Errorf("state after replace = %+v, want idle with no file", st)
	}

	// The printer row tracks last_seen and stored status.
	pr, err := s.GetPrinter(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrinter: %v", err)
	}
	if pr.Status != StatusIdle {
		t.Errorf("stored status = %q, want idle", pr.Status)
	}
	if pr.LastSeen.IsZero() {
		t.Error("last_seen not updated by heartbeat")
	}
}

func TestHeartbeatRename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-rename-1")

	snap := &HeartbeatSnapshot{Name: "Ender 3 Pro", Status: StatusIdle}
	if err := s.ApplyHeartbeat(ctx, p.ID, snap, time.Now().UTC()); err != nil {
		t.Fatalf("ApplyHeartbeat: %v", err)
	}

	pr, err := s.GetPrinter(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrinter: %v", err)
	}
	if pr.Name != "Ender 3 Pro" {
		t.Errorf("name = %q, want Ender 3 Pro", pr.Name)
	}
}

func TestListPrintersVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	public := newTestPrinter(t, s, "tok-public-0001")
	private := newTestPrinter(t, s, "tok-private-001")
	blocked := newTestPrinter(t, s, "tok-blocked-001")

	isPublic := true
	if err := s.UpdatePrinter(ctx, public.ID, nil, &isPublic); err != nil {
		t.Fatalf("UpdatePrinter: %v", err)
	}
	if err := s.SetPrinterBlocked(ctx, blocked.ID, true); err != nil {
		t.Fatalf("SetPrinterBlocked: %v", err)
	}

	viewer := newTestUser(t, s, "viewer", RoleUser)
	if err := s.UpsertAssignment(ctx, &PrinterAssignment{
		PrinterID: private.ID, UserID: viewer.ID, CanControl: true, CanViewDetails: true,
	}); err != nil {
		t.Fatalf("UpsertAssignment: %v", err)
	}

	// Anonymous: public unblocked only.
	anon, err := s.ListPrinters(ctx, PrinterFilter{})
	if err != nil {
		t.Fatalf("ListPrinters anon: %v", err)
	}
	if len(anon) != 1 || anon[0].Printer.ID != public.ID {
		t.Errorf("anonymous listing = %d printers, want only the public one", len(anon))
	}

	// Assigned user: public plus assigned.
	assigned, err := s.ListPrinters(ctx, PrinterFilter{ViewerID: &viewer.ID})
	if err != nil {
		t.Fatalf("ListPrinters viewer: %v", err)
	}
	if len(assigned) != 2 {
		t.Errorf("viewer listing = %d printers, want 2", len(assigned))
	}

	// Admin: everything, blocked included.
	all, err := s.ListPrinters(ctx, PrinterFilter{Admin: true})
	if err != nil {
		t.Fatalf("ListPrinters admin: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("admin listing = %d printers, want 3", len(all))
	}
}

func TestListPrintersSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	name := "Prusa MK4"
	p := newTestPrinter(t, s, "tok-search-0001")
	if err := s.UpdatePrinter(ctx, p.ID, &name, nil); err != nil {
		t.Fatalf("UpdatePrinter: %v", err)
	}
	newTestPrinter(t, s, "tok-search-0002")

	got, err := s.ListPrinters(ctx, PrinterFilter{Admin: true, Search: "prusa"})
	if err != nil {
		t.Fatalf("ListPrinters: %v", err)
	}
	if len(got) != 1 || got[0].Printer.ID != p.ID {
		t.Errorf("search returned %d printers, want the renamed one only", len(got))
	}
}

func TestDeletePrinterCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-delete-0001")

	if err := s.ApplyHeartbeat(ctx, p.ID, &HeartbeatSnapshot{Status: StatusIdle}, time.Now().UTC()); err != nil {
		t.Fatalf("ApplyHeartbeat: %v", err)
	}
	if err := s.DeletePrinter(ctx, p.ID); err != nil {
		t.Fatalf("DeletePrinter: %v", err)
	}
	if _, err := s.GetPrinterState(ctx, p.ID); err != ErrNotFound {
		t.Errorf("state after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.DeletePrinter(ctx, p.ID); err != ErrNotFound {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now()
	threshold := 60 * time.Second

	tests := []struct {
		name     string
		stored   string
		lastSeen time.Time
		want     string
	}{
		{"fresh printing", StatusPrinting, now.Add(-10 * time.Second), StatusPrinting},
		{"exactly at threshold", StatusIdle, now.Add(-threshold), StatusIdle},
		{"just past threshold", StatusPrinting, now.Add(-threshold - time.Second), StatusOffline},
		{"never seen", StatusIdle, time.Time{}, StatusOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveStatus(tt.stored, tt.lastSeen, now, threshold); got != tt.want {
				t.Errorf("EffectiveStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}
