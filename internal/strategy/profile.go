// Package strategy selects the prefetch aggressiveness profile from
// device conditions and per-engine calibration. Profiles are immutable
// snapshots swapped wholesale; the scheduler reads one per tick.
package strategy

import (
	"golang.org/x/time/rate"
)

// Profile is one prefetch policy: how far ahead to keep audio ready
// and how hard to drive the synthesis backend.
type Profile struct {
	Name            string
	LowWatermark    int     // Ready-ahead count that triggers prefetch
	TargetWatermark int     // Ready-ahead count prefetch fills to
	MaxConcurrency  int     // Admission ceiling for the orchestrator
	AdmitPerSecond  float64 // Task admission pacing, 0 = unpaced
}

// Limiter builds the admission rate limiter for the profile, or nil
// when admission is unpaced.
func (p Profile) Limiter() *rate.Limiter {
	if p.AdmitPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(p.AdmitPerSecond), 1)
}

// The three named profiles. Conservative trades latency for battery,
// Aggressive assumes wall power, Adaptive sits between and is scaled
// by the measured real-time factor (see Manager).
var (
	Conservative = Profile{
		Name:            "conservative",
		LowWatermark:    2,
		TargetWatermark: 4,
		MaxConcurrency:  1,
		AdmitPerSecond:  0.5,
	}

	Adaptive = Profile{
		Name:            "adaptive",
		LowWatermark:    3,
		TargetWatermark: 8,
		MaxConcurrency:  2,
	}

	Aggressive = Profile{
		Name:            "aggressive",
		LowWatermark:    4,
		TargetWatermark: 12,
		MaxConcurrency:  4,
	}
)

// Tier buckets a measured real-time factor (synthesis time divided by
// audio duration).
type Tier int

const (
	// TierFast synthesizes well under real time (RTF < 0.5)
	TierFast Tier = iota

	// TierRealtime keeps up with playback (0.5 <= RTF <= 1.0)
	TierRealtime

	// TierSlow falls behind playback (RTF > 1.0)
	TierSlow
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierRealtime:
		return "realtime"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// TierForRTF buckets a real-time factor.
func TierForRTF(rtf float64) Tier {
	switch {
	case rtf < 0.5:
		return TierFast
	case rtf <= 1.0:
		return TierRealtime
	default:
		return TierSlow
	}
}

// scaled returns the adaptive profile adjusted for a tier and a
// calibrated concurrency optimum. Fast devices prefetch further ahead
// because lookahead is cheap; slow devices keep the queue short so
// imminent segments are never stuck behind speculative ones.
func scaled(base Profile, tier Tier, optimalConcurrency int) Profile {
	p := base
	switch tier {
	case TierFast:
		p.LowWatermark = scaleCount(base.LowWatermark, 1.5)
		p.TargetWatermark = scaleCount(base.TargetWatermark, 1.5)
	case TierSlow:
		p.LowWatermark = scaleCount(base.LowWatermark, 0.75)
		p.TargetWatermark = scaleCount(base.TargetWatermark, 0.75)
	}
	if optimalConcurrency > 0 {
		p.MaxConcurrency = clamp(optimalConcurrency, 1, base.MaxConcurrency*2)
	}
	if p.TargetWatermark <= p.LowWatermark {
		p.TargetWatermark = p.LowWatermark + 1
	}
	return p
}

func scaleCount(n int, f float64) int {
	scaled := int(float64(n) * f)
	if scaled < 1 {
		return 1
	}
	return scaled
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
