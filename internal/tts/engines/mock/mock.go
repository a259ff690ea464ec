// Package mock provides a synthesis adapter for testing. It fabricates
// silence at a configurable speed and exposes knobs for scripted
// failures, concurrency tracking and cancellation behavior.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/readaloud/internal/tts"
)

// Engine implements tts.Adapter for tests.
type Engine struct {
	mu sync.Mutex

	delay          time.Duration
	sampleRate     int
	maxConcurrency int
	ignoreCancel   bool

	failAll    error
	failures   []error            // scripted errors, consumed one per call
	failByText map[string][]error // scripted errors for specific texts

	calls       int
	callsByText map[string]int

	current int
	peak    int
}

// New creates a mock engine with a small default latency.
func New() *Engine {
	return &Engine{
		delay:          10 * time.Millisecond,
		sampleRate:     22050,
		maxConcurrency: 4,
		callsByText:    make(map[string]int),
		failByText:     make(map[string][]error),
	}
}

// Synthesize fabricates audio after the configured delay, observing
// ctx cooperatively unless IgnoreCancellation is set.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	e.mu.Lock()
	e.calls++
	e.callsByText[req.Text]++
	e.current++
	if e.current > e.peak {
		e.peak = e.current
	}
	delay := e.delay
	ignoreCancel := e.ignoreCancel
	sampleRate := e.sampleRate

	var scripted error
	if e.failAll != nil {
		scripted = e.failAll
	} else if errs := e.failByText[req.Text]; len(errs) > 0 {
		scripted = errs[0]
		e.failByText[req.Text] = errs[1:]
	} else if len(e.failures) > 0 {
		scripted = e.failures[0]
		e.failures = e.failures[1:]
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.current--
		e.mu.Unlock()
	}()

	if scripted != nil {
		return nil, scripted
	}

	if ignoreCancel {
		time.Sleep(delay)
	} else {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	duration := estimateDuration(req.Text, req.Rate)
	samples := int(duration.Seconds() * float64(sampleRate))
	if samples < 1 {
		samples = 1
	}
	return &tts.Result{
		Audio:      make([]byte, samples*2), // 16-bit silence
		SampleRate: sampleRate,
		Duration:   duration,
	}, nil
}

// MaxConcurrency reports the configured hard ceiling.
func (e *Engine) MaxConcurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxConcurrency
}

// Test control methods

// SetDelay sets the simulated synthesis latency.
func (e *Engine) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// SetMaxConcurrency sets the reported hard ceiling.
func (e *Engine) SetMaxConcurrency(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxConcurrency = n
}

// FailWith makes every call fail with err until cleared.
func (e *Engine) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failAll = err
}

// FailNext scripts errors for the next len(errs) calls, then normal
// operation resumes.
func (e *Engine) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, errs...)
}

// FailFor scripts errors for the next len(errs) calls carrying exactly
// this text; other texts are unaffected.
func (e *Engine) FailFor(text string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failByText[text] = append(e.failByText[text], errs...)
}

// ClearFailures resets all failure scripting.
func (e *Engine) ClearFailures() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failAll = nil
	e.failures = nil
	e.failByText = make(map[string][]error)
}

// IgnoreCancellation makes the engine sleep through cancellation,
// simulating a misbehaving adapter for reclaim-timeout tests.
func (e *Engine) IgnoreCancellation(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignoreCancel = on
}

// Calls returns the total number of Synthesize invocations.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// CallsFor returns the number of invocations for a given text.
func (e *Engine) CallsFor(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callsByText[text]
}

// PeakConcurrency returns the highest number of simultaneous calls
// observed.
func (e *Engine) PeakConcurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

func estimateDuration(text string, rate float64) time.Duration {
	words := len(strings.Fields(text))
	if words < 1 {
		words = 1
	}
	if rate <= 0 {
		rate = 1.0
	}
	seconds := float64(words) * 60.0 / (150.0 * rate)
	return time.Duration(seconds * float64(time.Second))
}
