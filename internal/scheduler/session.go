// Package scheduler keeps a playback session's audio buffer filled. A
// control loop watches the ready-ahead horizon against the active
// strategy profile's watermarks and feeds the orchestrator with
// most-imminent-first synthesis tasks.
package scheduler

import (
	"github.com/dgnsrekt/readaloud/internal/segment"
	"github.com/dgnsrekt/readaloud/internal/tts"
)

// Session is one chapter being read aloud: the segmented text plus the
// voice settings every synthesis request inherits.
type Session struct {
	BookID    string
	ChapterID string
	VoiceID   string
	Rate      float64
	Segments  []segment.Segment
}

// RequestFor builds the synthesis request for segment i.
func (s *Session) RequestFor(i int) tts.Request {
	return tts.Request{
		Text:    s.Segments[i].Text,
		VoiceID: s.VoiceID,
		Rate:    s.Rate,
	}
}

// FingerprintFor returns the content fingerprint for segment i.
func (s *Session) FingerprintFor(i int) tts.Fingerprint {
	return tts.FingerprintRequest(s.RequestFor(i))
}

// State is the scheduler's session lifecycle state.
type State int

const (
	// StateIdle means no session is loaded
	StateIdle State = iota

	// StateColdStart means the first segment is being produced and
	// playback has not begun
	StateColdStart

	// StateStreaming means playback is underway and the control loop
	// maintains the buffer
	StateStreaming

	// StateInvalidated means the session's assumptions broke and a new
	// preparation is required before streaming resumes
	StateInvalidated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateColdStart:
		return "cold-start"
	case StateStreaming:
		return "streaming"
	case StateInvalidated:
		return "invalidated"
	default:
		return "idle"
	}
}

// InvalidateReason says why a session's in-flight work became stale.
type InvalidateReason int

const (
	// ReasonBookChanged means the user opened a different book
	ReasonBookChanged InvalidateReason = iota

	// ReasonChapterChanged means the user jumped to another chapter
	ReasonChapterChanged

	// ReasonVoiceChanged means the voice or rate changed, orphaning
	// every artifact fingerprinted under the old settings
	ReasonVoiceChanged
)

// String returns the string representation of the reason.
func (r InvalidateReason) String() string {
	switch r {
	case ReasonChapterChanged:
		return "chapter-changed"
	case ReasonVoiceChanged:
		return "voice-changed"
	default:
		return "book-changed"
	}
}
