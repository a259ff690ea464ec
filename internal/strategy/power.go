package strategy

import (
	"os"
	"path/filepath"
	"strings"
)

// PowerState describes the device power condition the profile
// selection keys off.
type PowerState int

const (
	// PowerUnknown means no power information is available
	PowerUnknown PowerState = iota

	// PowerBattery means running on battery, normal mode
	PowerBattery

	// PowerSaver means running on battery with power saving requested
	PowerSaver

	// PowerCharging means external power is connected
	PowerCharging
)

// String returns the string representation of the power state.
func (s PowerState) String() string {
	switch s {
	case PowerBattery:
		return "battery"
	case PowerSaver:
		return "saver"
	case PowerCharging:
		return "charging"
	default:
		return "unknown"
	}
}

// PowerSource reports the current power condition. Implementations
// should be cheap; the manager polls once per selection.
type PowerSource interface {
	State() PowerState
}

// StaticPower is a fixed power source, useful for tests and for
// platforms with no power reporting.
type StaticPower PowerState

// State returns the fixed power state.
func (s StaticPower) State() PowerState { return PowerState(s) }

// SysfsPower reads the Linux power supply class. Missing or unreadable
// files degrade to PowerUnknown rather than failing.
type SysfsPower struct {
	// Root of the power supply tree, defaults to
	// /sys/class/power_supply.
	Root string
}

// State inspects AC online status and battery presence.
func (s SysfsPower) State() PowerState {
	root := s.Root
	if root == "" {
		root = "/sys/class/power_supply"
	}

	supplies, err := os.ReadDir(root)
	if err != nil {
		return PowerUnknown
	}

	sawBattery := false
	for _, supply := range supplies {
		dir := filepath.Join(root, supply.Name())
		kind := readTrimmed(filepath.Join(dir, "type"))
		switch kind {
		case "Mains", "USB":
			if readTrimmed(filepath.Join(dir, "online")) == "1" {
				return PowerCharging
			}
		case "Battery":
			sawBattery = true
			if readTrimmed(filepath.Join(dir, "status")) == "Charging" {
				return PowerCharging
			}
		}
	}

	if sawBattery {
		return PowerBattery
	}
	return PowerUnknown
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
