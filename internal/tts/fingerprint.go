package tts

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint is a stable content key derived from (voice, text, rate).
// Two requests with the same fingerprint are acoustically
// indistinguishable and share one cached artifact. The hex form names
// the artifact file on disk.
type Fingerprint string

// String returns the hex digest.
func (f Fingerprint) String() string { return string(f) }

// Short returns a truncated form for logging.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// NewFingerprint derives the content key for a synthesis request.
// The digest covers a length-prefixed encoding of each field so that
// adjacent fields can never collide ("ab"+"c" vs "a"+"bc"), and the
// text is normalized first so whitespace variants share one artifact.
// Deterministic across processes and restarts.
func NewFingerprint(voiceID, text string, rate float64) Fingerprint {
	h := sha256.New()
	for _, field := range []string{
		voiceID,
		NormalizeText(text),
		strconv.FormatFloat(rate, 'f', 4, 64),
	} {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// FingerprintRequest derives the content key for req.
func FingerprintRequest(req Request) Fingerprint {
	return NewFingerprint(req.VoiceID, req.Text, req.Rate)
}

// NormalizeText collapses runs of whitespace to single spaces and trims
// the ends, so trivially different renderings of the same sentence map
// to the same fingerprint.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
