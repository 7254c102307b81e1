// Package gcode validates operator-supplied G-code and builds the command
// payloads sent to printer agents.
package gcode

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDenied is returned when a G-code program contains a denylisted
// instruction.
var ErrDenied = errors.New("denied g-code instruction")

// Denylisted instruction prefixes. These are matched case-insensitively at
// the start of each line:
//
//	M112 – emergency stop (only issued through the dedicated command)
//	M999 – restart after halt, can mask a real fault
//	M502 – factory reset of firmware settings
var denylist = []string{"M112", "M999", "M502"}

// Validate checks every line of a G-code program against the denylist.
// Blank lines and lines within the program are checked individually since
// agents execute the payload line by line.
func Validate(program string) error {
	for _, line := range strings.Split(program, "\n") {
		trimmed := strings.ToUpper(strings.TrimSpace(line))
		if trimmed == "" {
			continue
		}
		for _, banned := range denylist {
			if strings.HasPrefix(trimmed, banned) {
				return fmt.Errorf("%w: %s", ErrDenied, banned)
			}
		}
	}
	return nil
}

// SpeedRange is the accepted feed-rate factor range for BuildSetSpeed, in
// percent.
const (
	SpeedMin = 10
	SpeedMax = 200
)

// BuildHome returns the payload for a home-all-axes command.
func BuildHome() string {
	return "G28 XYZ"
}

// BuildHeat returns the payload that sets hotend and bed target
// temperatures. Zero targets are legitimate (cooldown).
func BuildHeat(hotend, bed int) (string, error) {
	if hotend < 0 || hotend > 350 {
		return "", fmt.Errorf("hotend target %d out of range 0-350", hotend)
	}
	if bed < 0 || bed > 150 {
		return "", fmt.Errorf("bed target %d out of range 0-150", bed)
	}
	return fmt.Sprintf("M104 S%d\nM140 S%d", hotend, bed), nil
}

// BuildSetSpeed returns the payload that sets the feed-rate factor.
func BuildSetSpeed(percent int) (string, error) {
	if percent < SpeedMin || percent > SpeedMax {
		return "", fmt.Errorf("speed %d out of range %d-%d", percent, SpeedMin, SpeedMax)
	}
	return fmt.Sprintf("M220 S%d", percent), nil
}

// BuildPrintFile returns the payload instructing an agent to start printing
// a previously distributed file, referenced by its storage key.
func BuildPrintFile(storageKey string) string {
	return "PRINT_FILE:" + storageKey
}
