package gcode

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		program string
		wantErr bool
	}{
		{"empty program", "", false},
		{"plain move", "G1 X10 Y10 F3000", false},
		{"multi line ok", "G28 XYZ\nM104 S200\nM140 S60", false},
		{"emergency stop", "M112", true},
		{"restart", "M999", true},
		{"factory reset", "M502", true},
		{"lowercase denied", "m112", true},
		{"leading whitespace", "   M112", true},
		{"denied in middle line", "G28\nM999\nG1 X0", true},
		{"denied with arguments", "M112 P0", true},
		{"M1120 shares the prefix and is denied", "M1120", true},
		{"similar but allowed", "M114", false},
		{"blank lines skipped", "\n\nG28\n\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.program)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) = %v, wantErr %v", tt.program, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDenied) {
				t.Errorf("Validate(%q) error = %v, want ErrDenied", tt.program, err)
			}
		})
	}
}

func TestBuildHeat(t *testing.T) {
	got, err := BuildHeat(210, 60)
	if err != nil {
		t.Fatalf("BuildHeat: %v", err)
	}
	if got != "M104 S210\nM140 S60" {
		t.Errorf("BuildHeat = %q", got)
	}

	// Cooldown is valid.
	if _, err := BuildHeat(0, 0); err != nil {
		t.Errorf("BuildHeat(0,0) = %v, want nil", err)
	}

	for _, bad := range [][2]int{{-1, 60}, {400, 60}, {210, -5}, {210, 200}} {
		if _, err := BuildHeat(bad[0], bad[1]); err == nil {
			t.Errorf("BuildHeat(%d,%d) accepted out-of-range target", bad[0], bad[1])
		}
	}
}

func TestBuildSetSpeed(t *testing.T) {
	got, err := BuildSetSpeed(150)
	if err != nil {
		t.Fatalf("BuildSetSpeed: %v", err)
	}
	if got != "M220 S150" {
		t.Errorf("BuildSetSpeed = %q", got)
	}

	for _, bad := range []int{0, 9, 201, -50} {
		if _, err := BuildSetSpeed(bad); err == nil {
			t.Errorf("BuildSetSpeed(%d) accepted out-of-range speed", bad)
		}
	}
	// Boundaries inclusive.
	for _, ok := range []int{SpeedMin, SpeedMax} {
		if _, err := BuildSetSpeed(ok); err != nil {
			t.Errorf("BuildSetSpeed(%d) = %v, want nil", ok, err)
		}
	}
}

func TestBuiltPayloadsPassValidation(t *testing.T) {
	heat, _ := BuildHeat(200, 55)
	speed, _ := BuildSetSpeed(100)
	for _, payload := range []string{BuildHome(), heat, speed} {
		if err := Validate(payload); err != nil {
			t.Errorf("built payload %q failed validation: %v", payload, err)
		}
	}
}

func TestBuildPrintFile(t *testing.T) {
	got := BuildPrintFile("ab12cd34")
	if got != "PRINT_FILE:ab12cd34" || !strings.HasPrefix(got, "PRINT_FILE:") {
		t.Errorf("BuildPrintFile = %q", got)
	}
}
