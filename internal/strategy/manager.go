package strategy

import (
	"github.com/charmbracelet/log"
)

// Manager picks the active profile from power state and calibration.
// Select is called once per scheduler tick; a changed selection takes
// effect on that tick, never mid-tick.
type Manager struct {
	power      PowerSource
	calib      *CalibrationStore
	engineType string

	lastName string
}

// NewManager wires a manager to its inputs. calib may be nil when no
// calibration store is configured.
func NewManager(power PowerSource, calib *CalibrationStore, engineType string) *Manager {
	if power == nil {
		power = StaticPower(PowerUnknown)
	}
	return &Manager{
		power:      power,
		calib:      calib,
		engineType: engineType,
	}
}

// Select returns the profile for current conditions. Power-saver mode
// always wins, external power always gets the aggressive profile, and
// everything else runs the adaptive profile shaped by calibration.
func (m *Manager) Select() Profile {
	var p Profile
	switch m.power.State() {
	case PowerSaver:
		p = Conservative
	case PowerCharging:
		p = Aggressive
	default:
		p = m.adaptive()
	}

	if p.Name != m.lastName {
		log.Info("strategy profile selected",
			"profile", p.Name,
			"low", p.LowWatermark,
			"target", p.TargetWatermark,
			"concurrency", p.MaxConcurrency)
		m.lastName = p.Name
	}
	return p
}

func (m *Manager) adaptive() Profile {
	if m.calib == nil {
		return Adaptive
	}
	cal, ok := m.calib.Get(m.engineType)
	if !ok {
		return Adaptive
	}
	return scaled(Adaptive, TierForRTF(cal.RealTimeFactor), cal.OptimalConcurrency)
}
