// Package tts defines the synthesis adapter contract shared by every
// voice engine, along with the error taxonomy and the content
// fingerprint used to address cached audio.
package tts

import (
	"context"
	"time"
)

// Voice identifies a synthesis voice within an engine family.
type Voice struct {
	ID       string // Voice identifier, unique across engines
	Name     string // Human-readable name
	Engine   string // Engine family, e.g. "piper", "mock"
	Language string // Language code (e.g., "en-US")
}

// Request is a single text-to-audio synthesis request.
type Request struct {
	Text    string  // Normalized segment text
	VoiceID string  // Target voice
	Rate    float64 // Speech rate multiplier (1.0 = normal)
}

// Result holds the audio produced for a Request.
type Result struct {
	Audio      []byte        // Raw audio bytes (engine-native encoding)
	SampleRate int           // Sample rate in Hz
	Duration   time.Duration // Duration of the audio
}

// Adapter wraps one inference backend per voice family. The core is
// engine-agnostic: everything above this interface treats synthesis as
// an opaque, slow, cancellable call.
//
// Synthesize must honor ctx cancellation cooperatively; cancellation is
// checked at safe points, not preemptively. Adapters must be safe for
// concurrent use up to MaxConcurrency calls; engines holding a single
// exclusive model instance serialize internally and report a ceiling
// of 1 so the orchestrator does not over-schedule them.
type Adapter interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
	MaxConcurrency() int
}
