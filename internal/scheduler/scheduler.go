package scheduler

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/strategy"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/tts"
)

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is the control loop period.
	TickInterval time.Duration

	// ReadyBuffer sizes the ready-notification channel. Notifications
	// beyond the buffer are dropped; readiness is always recoverable by
	// polling IsReady.
	ReadyBuffer int
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 500 * time.Millisecond,
		ReadyBuffer:  64,
	}
}

// BufferState is a point-in-time view of the playback buffer.
type BufferState struct {
	State      State
	Position   int
	ReadyAhead int // Consecutive ready segments after the position
	InFlight   int
	Low        int // Active profile's low watermark
	Target     int // Active profile's target watermark
	Profile    string
}

// Scheduler drives prefetch for the current session. All methods are
// safe for concurrent use.
type Scheduler struct {
	orch     *synth.Orchestrator
	store    *cache.Cache
	profiles *strategy.Manager
	cfg      Config

	mu       sync.Mutex
	session  *Session
	state    State
	position int
	pinned   tts.Fingerprint
	profile  strategy.Profile

	ready  chan int
	kickCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a scheduler. Start must be called before playback.
func New(orch *synth.Orchestrator, store *cache.Cache, profiles *strategy.Manager, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.ReadyBuffer < 1 {
		cfg.ReadyBuffer = DefaultConfig().ReadyBuffer
	}
	return &Scheduler{
		orch:     orch,
		store:    store,
		profiles: profiles,
		cfg:      cfg,
		state:    StateIdle,
		position: -1,
		ready:    make(chan int, cfg.ReadyBuffer),
		kickCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the control loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Close stops the control loop, withdraws outstanding work and waits
// for completion watchers to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.unpinLocked()
	s.mu.Unlock()

	close(s.done)
	s.orch.CancelWhere(func(*synth.Task) bool { return true })
	s.wg.Wait()
}

// Ready delivers segment indexes as their audio becomes available.
func (s *Scheduler) Ready() <-chan int {
	return s.ready
}

// IsReady reports whether segment i's audio is in the cache.
func (s *Scheduler) IsReady(i int) bool {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil || i < 0 || i >= len(session.Segments) {
		return false
	}
	return s.store.Contains(session.FingerprintFor(i))
}

// ArtifactPathFor returns the on-disk artifact for segment i, or
// cache.ErrNotFound if it is not ready.
func (s *Scheduler) ArtifactPathFor(i int) (string, error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil || i < 0 || i >= len(session.Segments) {
		return "", cache.ErrNotFound
	}
	entry := s.store.Lookup(session.FingerprintFor(i))
	if entry == nil {
		return "", cache.ErrNotFound
	}
	return entry.Path, nil
}

// Advance moves the playback position to segment i. The new segment's
// artifact is pinned against eviction for as long as it is current.
func (s *Scheduler) Advance(i int) {
	s.mu.Lock()
	if s.session == nil || s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.position = i
	s.repinLocked()
	s.mu.Unlock()
	s.kick()
}

// Invalidate discards work that no longer matches the session. The
// cache is untouched: artifacts are content-addressed, so entries for
// the old book, chapter or voice stay valid for a future return.
func (s *Scheduler) Invalidate(reason InvalidateReason) {
	s.mu.Lock()
	session := s.session
	s.state = StateInvalidated
	s.unpinLocked()
	s.mu.Unlock()

	var dropped int
	if reason == ReasonVoiceChanged && session != nil {
		dropped = s.orch.CancelWhere(func(task *synth.Task) bool {
			return task.Request.VoiceID == session.VoiceID && task.Request.Rate == session.Rate
		})
	} else {
		dropped = s.orch.CancelWhere(func(*synth.Task) bool { return true })
	}
	log.Info("session invalidated", "reason", reason, "cancelled", dropped)
}

// BufferState returns the current buffer view.
func (s *Scheduler) BufferState() BufferState {
	s.mu.Lock()
	session := s.session
	state := s.state
	pos := s.position
	profile := s.profile
	s.mu.Unlock()

	bs := BufferState{
		State:    state,
		Position: pos,
		Low:      profile.LowWatermark,
		Target:   profile.TargetWatermark,
		Profile:  profile.Name,
	}
	if session == nil {
		return bs
	}
	bs.ReadyAhead = s.readyAhead(session, pos)
	bs.InFlight = len(s.orch.InFlight())
	return bs
}

// beginColdStart installs a session in cold-start state. Called by the
// smart manager before the blocking first-segment synthesis.
func (s *Scheduler) beginColdStart(session *Session, start int) {
	s.mu.Lock()
	s.session = session
	s.position = start
	s.state = StateColdStart
	s.unpinLocked()
	s.mu.Unlock()
}

// startStreaming transitions to steady state and wakes the loop.
func (s *Scheduler) startStreaming(start int) {
	s.mu.Lock()
	s.position = start
	s.state = StateStreaming
	s.repinLocked()
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) setIdle() {
	s.mu.Lock()
	s.state = StateIdle
	s.unpinLocked()
	s.mu.Unlock()
}

func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kickCh:
		}
		s.tick()
	}
}

// tick is one control loop pass: adopt the current profile, measure
// the ready-ahead horizon and top the buffer up to the target
// watermark when it sank below the low one.
func (s *Scheduler) tick() {
	s.mu.Lock()
	session := s.session
	state := s.state
	pos := s.position
	s.mu.Unlock()

	if session == nil || state != StateStreaming {
		return
	}

	profile := s.profiles.Select()
	s.applyProfile(profile)

	ahead := s.readyAhead(session, pos)
	if ahead >= profile.LowWatermark {
		return
	}

	inflight := s.orch.InFlight()
	enqueued := 0
	for i := pos + 1; i < len(session.Segments) && i <= pos+profile.TargetWatermark; i++ {
		fp := session.FingerprintFor(i)
		if s.store.Contains(fp) || inflight[fp] {
			continue
		}
		s.submit(session, i, synth.PriorityPrefetch)
		enqueued++
	}
	if enqueued > 0 {
		log.Debug("buffer refill",
			"position", pos,
			"ready_ahead", ahead,
			"enqueued", enqueued,
			"profile", profile.Name)
	}
}

// applyProfile pushes a changed profile to the orchestrator. The
// limiter is rebuilt only on an actual swap so pacing state survives
// between ticks.
func (s *Scheduler) applyProfile(p strategy.Profile) {
	s.mu.Lock()
	changed := p != s.profile
	if changed {
		s.profile = p
	}
	s.mu.Unlock()
	if changed {
		s.orch.SetPolicy(p.MaxConcurrency, p.Limiter())
	}
}

// readyAhead counts consecutive cached segments after pos. A gap stops
// the count: playback will stall there regardless of what is ready
// beyond it.
func (s *Scheduler) readyAhead(session *Session, pos int) int {
	count := 0
	for i := pos + 1; i < len(session.Segments); i++ {
		if !s.store.Contains(session.FingerprintFor(i)) {
			break
		}
		count++
	}
	return count
}

// submit enqueues segment i and watches its completion. Cancellations
// are expected churn from invalidation and are swallowed here; real
// failures are logged and surface as a persistent buffer gap.
func (s *Scheduler) submit(session *Session, i int, priority synth.Priority) {
	ch := s.orch.Submit(synth.NewTask(session.RequestFor(i), priority))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		comp := <-ch
		if comp.Err != nil {
			if tts.IsCancelled(comp.Err) {
				return
			}
			log.Warn("segment synthesis failed",
				"segment", i,
				"chapter", session.ChapterID,
				"error", comp.Err)
			return
		}
		select {
		case s.ready <- i:
		default:
		}
		s.kick()
	}()
}

// repinLocked pins the artifact at the current position and releases
// the previous pin. Pinned entries are exempt from eviction while the
// reader is on them.
func (s *Scheduler) repinLocked() {
	s.unpinLocked()
	if s.session == nil || s.position < 0 || s.position >= len(s.session.Segments) {
		return
	}
	fp := s.session.FingerprintFor(s.position)
	if s.store.Pin(fp) {
		s.pinned = fp
	}
}

func (s *Scheduler) unpinLocked() {
	if s.pinned != "" {
		s.store.Unpin(s.pinned)
		s.pinned = ""
	}
}
