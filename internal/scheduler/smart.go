package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/readaloud/internal/synth"
)

// SmartManager handles the cold-start path: getting the first audible
// segment out as fast as possible while the steady-state loop warms up
// behind it.
type SmartManager struct {
	sched *Scheduler
}

// NewSmartManager wraps a scheduler.
func NewSmartManager(sched *Scheduler) *SmartManager {
	return &SmartManager{sched: sched}
}

// PrepareForPlayback blocks until the start segment's audio is ready,
// then hands the session to the streaming loop. The segment after the
// start is submitted fire-and-forget before the blocking wait, so the
// buffer already has work in flight the moment playback begins.
// Cancelling ctx abandons the preparation and leaves the scheduler
// idle.
func (m *SmartManager) PrepareForPlayback(ctx context.Context, session *Session, start int) error {
	if session == nil || len(session.Segments) == 0 {
		return fmt.Errorf("prepare: empty session")
	}
	if start < 0 || start >= len(session.Segments) {
		return fmt.Errorf("prepare: segment %d out of range [0,%d)", start, len(session.Segments))
	}

	m.sched.beginColdStart(session, start)

	task := synth.NewTask(session.RequestFor(start), synth.PriorityColdStart)
	ch := m.sched.orch.Submit(task)

	if start+1 < len(session.Segments) {
		m.sched.submit(session, start+1, synth.PriorityPrefetch)
	}

	began := time.Now()
	select {
	case comp := <-ch:
		if comp.Err != nil {
			m.sched.setIdle()
			return fmt.Errorf("prepare segment %d: %w", start, comp.Err)
		}
	case <-ctx.Done():
		m.sched.orch.Cancel(task.Fingerprint)
		m.sched.setIdle()
		return ctx.Err()
	}

	log.Info("playback ready",
		"chapter", session.ChapterID,
		"segment", start,
		"latency", time.Since(began))
	m.sched.startStreaming(start)
	return nil
}
