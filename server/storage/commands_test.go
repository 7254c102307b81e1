package storage

import (
	"context"
	"testing"
)

func TestEnqueueCommandDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-enqueue-001")

	cmd := &Command{PrinterID: p.ID, Kind: KindHome, Payload: "G28 XYZ"}
	if err := s.EnqueueCommand(ctx, cmd, nil); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if cmd.ID == 0 {
		t.Fatal("expected command ID to be set")
	}
	if cmd.Priority != PriorityHome {
		t.Errorf("priority = %d, want %d", cmd.Priority, PriorityHome)
	}
	if cmd.Status != CommandPending {
		t.Errorf("status = %q, want pending", cmd.Status)
	}

	// History records the issuance atomically with the insert.
	hist, err := s.CommandHistory(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("CommandHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history entries = %d, want 1", len(hist))
	}
	if hist[0].Result != "sent" || hist[0].CommandID != cmd.ID {
		t.Errorf("history = %+v, want result=sent for command %d", hist[0], cmd.ID)
	}
}

func TestEnqueueCommandTargetChecks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.EnqueueCommand(ctx, &Command{PrinterID: 9999, Kind: KindPause, Payload: "PAUSE"}, nil)
	if err != ErrNotFound {
		t.Errorf("missing printer: err = %v, want ErrNotFound", err)
	}

	p := newTestPrinter(t, s, "tok-enqueue-blk")
	if err := s.SetPrinterBlocked(ctx, p.ID, true); err != nil {
		t.Fatalf("SetPrinterBlocked: %v", err)
	}
	err = s.EnqueueCommand(ctx, &Command{PrinterID: p.ID, Kind: KindPause, Payload: "PAUSE"}, nil)
	if err != ErrBlocked {
		t.Errorf("blocked printer: err = %v, want ErrBlocked", err)
	}

	// The failed enqueue must leave no queue or history rows behind.
	pending, err := s.PendingCommands(ctx, p.ID)
	if err != nil {
		t.Fatalf("PendingCommands: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after rejected enqueue", len(pending))
	}
}

func TestClaimOrderAndBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-claim-order")

	// Enqueue out of priority order.
	custom := &Command{PrinterID: p.ID, Kind: KindCustomGcode, Payload: "M117 hi"}
	pause := &Command{PrinterID: p.ID, Kind: KindPause, Payload: "PAUSE"}
	stop := &Command{PrinterID: p.ID, Kind: KindEmergencyStop, Payload: "EMERGENCY_STOP"}
	for _, c := range []*Command{custom, pause, stop} {
		if err := s.EnqueueCommand(ctx, c, nil); err != nil {
			t.Fatalf("EnqueueCommand(%s): %v", c.Kind, err)
		}
	}

	claimed, err := s.ClaimPendingCommands(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("ClaimPendingCommands: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed = %d, want 3", len(claimed))
	}
	// Emergency stop first, then pause, then the custom line.
	if claimed[0].ID != stop.ID || claimed[1].ID != pause.ID || claimed[2].ID != custom.ID {
		t.Errorf("claim order = [%d %d %d], want [%d %d %d]",
			claimed[0].ID, claimed[1].ID, claimed[2].ID, stop.ID, pause.ID, custom.ID)
	}
	for _, c := range claimed {
		if c.Status != CommandSent || c.SentAt == nil {
			t.Errorf("command %d not marked sent: %+v", c.ID, c)
		}
	}

	// Claim is exactly once: a second poll gets nothing.
	again, err := s.ClaimPendingCommands(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("second ClaimPendingCommands: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim = %d commands, want 0", len(again))
	}
}

func TestClaimFIFOWithinPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-claim-fifo")

	var ids []int64
	for i := 0; i < 3; i++ {
		c := &Command{PrinterID: p.ID, Kind: KindCustomGcode, Payload: "M117 step"}
		if err := s.EnqueueCommand(ctx, c, nil); err != nil {
			t.Fatalf("EnqueueCommand: %v", err)
		}
		ids = append(ids, c.ID)
	}

	claimed, err := s.ClaimPendingCommands(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("ClaimPendingCommands: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed = %d, want 3", len(claimed))
	}
	for i, c := range claimed {
		if c.ID != ids[i] {
			t.Errorf("position %d: id = %d, want %d (FIFO within equal priority)", i, c.ID, ids[i])
		}
	}
}

func TestClaimBatchCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-claim-cap")

	for i := 0; i < MaxCommandBatch+5; i++ {
		c := &Command{PrinterID: p.ID, Kind: KindGeneric, Payload: "NOOP"}
		if err := s.EnqueueCommand(ctx, c, nil); err != nil {
			t.Fatalf("EnqueueCommand: %v", err)
		}
	}

	claimed, err := s.ClaimPendingCommands(ctx, p.ID, 100)
	if err != nil {
		t.Fatalf("ClaimPendingCommands: %v", err)
	}
	if len(claimed) != MaxCommandBatch {
		t.Errorf("claimed = %d, want batch cap %d", len(claimed), MaxCommandBatch)
	}

	pending, err := s.PendingCommands(ctx, p.ID)
	if err != nil {
		t.Fatalf("PendingCommands: %v", err)
	}
	if len(pending) != 5 {
		t.Errorf("remaining pending = %d, want 5", len(pending))
	}
}

func TestEnqueueCommandWithJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-dispatch-job")

	cmd := &Command{PrinterID: p.ID, Kind: KindPrintFile, Payload: "PRINT_FILE:abc"}
	job := &Job{PrinterID: p.ID}
	if err := s.EnqueueCommandWithJob(ctx, cmd, nil, job); err != nil {
		t.Fatalf("EnqueueCommandWithJob: %v", err)
	}
	if cmd.ID == 0 || job.ID == 0 {
		t.Fatalf("ids not set: command=%d job=%d", cmd.ID, job.ID)
	}
	open, err := s.GetOpenJob(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetOpenJob: %v", err)
	}
	if open.ID != job.ID || open.Status != JobInProgress {
		t.Errorf("open job = %+v, want id %d in_progress", open, job.ID)
	}

	// A rejected dispatch leaves neither the command nor the job behind.
	if err := s.SetPrinterBlocked(ctx, p.ID, true); err != nil {
		t.Fatalf("SetPrinterBlocked: %v", err)
	}
	cmd2 := &Command{PrinterID: p.ID, Kind: KindPrintFile, Payload: "PRINT_FILE:def"}
	if err := s.EnqueueCommandWithJob(ctx, cmd2, nil, &Job{PrinterID: p.ID}); err != ErrBlocked {
		t.Fatalf("EnqueueCommandWithJob on blocked printer: err = %v, want ErrBlocked", err)
	}
	pending, err := s.PendingCommands(ctx, p.ID)
	if err != nil {
		t.Fatalf("PendingCommands: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want only the first dispatch", len(pending))
	}
}

func TestClaimDeliversEachCommandOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-claim-once")

	const total = MaxCommandBatch + 5
	for i := 0; i < total; i++ {
		c := &Command{PrinterID: p.ID, Kind: KindGeneric, Payload: "NOOP"}
		if err := s.EnqueueCommand(ctx, c, nil); err != nil {
			t.Fatalf("EnqueueCommand: %v", err)
		}
	}

	// Repeated polls drain the queue without errors; a command that is no
	// longer pending is skipped, never redelivered and never fatal.
	seen := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		claimed, err := s.ClaimPendingCommands(ctx, p.ID, MaxCommandBatch)
		if err != nil {
			t.Fatalf("ClaimPendingCommands poll %d: %v", i, err)
		}
		for _, c := range claimed {
			if seen[c.ID] {
				t.Fatalf("command %d delivered twice", c.ID)
			}
			seen[c.ID] = true
		}
		if len(claimed) == 0 {
			break
		}
	}
	if len(seen) != total {
		t.Errorf("delivered %d commands, want %d", len(seen), total)
	}
}

func TestAcknowledgeCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestPrinter(t, s, "tok-ack-000001")

	cmd := &Command{PrinterID: p.ID, Kind: KindPause, Payload: "PAUSE"}
	if err := s.EnqueueCommand(ctx, cmd, nil); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}

	// Pending commands cannot be acknowledged.
	if err := s.AcknowledgeCommand(ctx, p.ID, cmd.ID, CommandCompleted, ""); err != ErrNotFound {
		t.Errorf("ack of pending: err = %v, want ErrNotFound", err)
	}

	if _, err := s.ClaimPendingCommands(ctx, p.ID, 10); err != nil {
		t.Fatalf("ClaimPendingCommands: %v", err)
	}
	if err := s.AcknowledgeCommand(ctx, p.ID, cmd.ID, CommandFailed, "thermal runaway halt"); err != nil {
		t.Fatalf("AcknowledgeCommand: %v", err)
	}

	// Double ack is rejected.
	if err := s.AcknowledgeCommand(ctx, p.ID, cmd.ID, CommandCompleted, ""); err != ErrNotFound {
		t.Errorf("second ack: err = %v, want ErrNotFound", err)
	}

	// Bad terminal status.
	if err := s.AcknowledgeCommand(ctx, p.ID, cmd.ID, CommandPending, ""); err == nil {
		t.Error("expected error for non-terminal ack status")
	}

	hist, err := s.CommandHistory(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("CommandHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d, want issuance + ack", len(hist))
	}
	if hist[0].Result != string(CommandFailed) || hist[0].ErrorMessage != "thermal runaway halt" {
		t.Errorf("ack history = %+v, want failed with message", hist[0])
	}
}

func TestAcknowledgeWrongPrinter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := newTestPrinter(t, s, "tok-ack-owner-1")
	p2 := newTestPrinter(t, s, "tok-ack-other-1")

	cmd := &Command{PrinterID: p1.ID, Kind: KindResume, Payload: "RESUME"}
	if err := s.EnqueueCommand(ctx, cmd, nil); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if _, err := s.ClaimPendingCommands(ctx, p1.ID, 10); err != nil {
		t.Fatalf("ClaimPendingCommands: %v", err)
	}

	// Another printer cannot acknowledge someone else's command.
	if err := s.AcknowledgeCommand(ctx, p2.ID, cmd.ID, CommandCompleted, ""); err != ErrNotFound {
		t.Errorf("cross-printer ack: err = %v, want ErrNotFound", err)
	}
}

func TestDefaultPriorityAndWireType(t *testing.T) {
	tests := []struct {
		kind     CommandKind
		priority int
		wire     string
	}{
		{KindEmergencyStop, PriorityEmergency, "basic"},
		{KindPause, PriorityControl, "basic"},
		{KindResume, PriorityControl, "basic"},
		{KindCancel, PriorityControl, "basic"},
		{KindPrintFile, PriorityControl, "basic"},
		{KindHome, PriorityHome, "gcode"},
		{KindHeat, PriorityHeat, "gcode"},
		{KindSetSpeed, PrioritySpeed, "gcode"},
		{KindCustomGcode, PriorityDefault, "gcode"},
		{KindGeneric, PriorityDefault, "basic"},
	}

	for _, tt := range tests {
		if got := DefaultPriority(tt.kind); got != tt.priority {
			t.Errorf("DefaultPriority(%s) = %d, want %d", tt.kind, got, tt.priority)
		}
		if got := tt.kind.WireType(); got != tt.wire {
			t.Errorf("WireType(%s) = %q, want %q", tt.kind, got, tt.wire)
		}
	}
}
