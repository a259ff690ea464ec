// Package synth executes synthesis tasks against an adapter with
// bounded concurrency, per-fingerprint deduplication and cooperative
// cancellation. Completed audio is always published to the cache
// before any subscriber is notified.
package synth

import (
	"container/heap"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/tts"
)

// Priority orders tasks for admission. Cold-start work always jumps
// the prefetch queue.
type Priority int

const (
	// PriorityPrefetch is steady-state lookahead work
	PriorityPrefetch Priority = iota

	// PriorityColdStart is latency-sensitive first-segment work
	PriorityColdStart
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	if p == PriorityColdStart {
		return "cold-start"
	}
	return "prefetch"
}

// Task is one queued or in-flight request to produce audio for a
// fingerprint. Created by the scheduler, owned by the orchestrator for
// its execution lifetime.
type Task struct {
	ID          string
	Fingerprint tts.Fingerprint
	Request     tts.Request
	Priority    Priority
	Deadline    time.Time // Zero means no deadline
	Attempts    int       // Synthesis attempts consumed

	seq int64 // Submission order, for FIFO within a priority
}

// NewTask builds a task for a synthesis request.
func NewTask(req tts.Request, priority Priority) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Fingerprint: tts.FingerprintRequest(req),
		Request:     req,
		Priority:    priority,
	}
}

// Completion is delivered to every subscriber of a task, after the
// artifact (if any) is in the cache.
type Completion struct {
	Task  *Task
	Entry *cache.Entry // Set on success
	Err   error        // Set on failure or cancellation
}

// taskQueue is a heap ordering tasks by priority, then submission
// order. The scheduler submits most-imminent-first, so FIFO within a
// priority preserves imminence.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return task
}

// remove deletes the task for a fingerprint, if queued.
func (q *taskQueue) remove(fp tts.Fingerprint) *Task {
	for i, task := range *q {
		if task.Fingerprint == fp {
			heap.Remove(q, i)
			return task
		}
	}
	return nil
}
