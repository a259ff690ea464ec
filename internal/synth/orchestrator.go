package synth

import (
	"container/heap"
	"context"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/tts"
)

// Config holds orchestrator configuration.
type Config struct {
	// MaxConcurrency is the initial admission ceiling. A ceiling of 1
	// degrades to strictly sequential execution with identical
	// semantics. Updated at runtime via SetPolicy.
	MaxConcurrency int

	// ReclaimTimeout bounds how long a cancelled task may hold its
	// concurrency slot waiting for the adapter to observe the token.
	ReclaimTimeout time.Duration

	// RetryAttempts is the total attempts per task for retryable
	// failures (synthesis plus publish count as one attempt).
	RetryAttempts int

	// RetryBackoff is the initial delay between attempts; it doubles
	// per retry.
	RetryBackoff time.Duration
}

// DefaultConfig returns sensible orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 2,
		ReclaimTimeout: 5 * time.Second,
		RetryAttempts:  3,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// running tracks one admitted task.
type running struct {
	task   *Task
	cancel context.CancelFunc
}

// Orchestrator executes synthesis tasks concurrently up to a dynamic
// ceiling. Tasks are deduplicated by fingerprint: a request for
// content already queued or running subscribes to the existing task
// instead of starting a second synthesis.
type Orchestrator struct {
	adapter tts.Adapter
	store   *cache.Cache
	cfg     Config

	// hardSem enforces the adapter's own concurrency limit, which the
	// profile ceiling may never exceed.
	hardSem *semaphore.Weighted

	mu       sync.Mutex
	queue    taskQueue
	active   map[tts.Fingerprint]*running
	waiters  map[tts.Fingerprint][]chan Completion
	ceiling  int
	limiter  *rate.Limiter
	nextSeq  int64
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup
}

// New creates an orchestrator bound to one adapter and cache. Start
// must be called before Submit.
func New(adapter tts.Adapter, store *cache.Cache, cfg Config) *Orchestrator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ReclaimTimeout <= 0 {
		cfg.ReclaimTimeout = DefaultConfig().ReclaimTimeout
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}

	hardMax := adapter.MaxConcurrency()
	if hardMax < 1 {
		hardMax = 1
	}

	return &Orchestrator{
		adapter: adapter,
		store:   store,
		cfg:     cfg,
		hardSem: semaphore.NewWeighted(int64(hardMax)),
		active:  make(map[tts.Fingerprint]*running),
		waiters: make(map[tts.Fingerprint][]chan Completion),
		ceiling: cfg.MaxConcurrency,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatcher.
func (o *Orchestrator) Start() {
	go o.dispatch()
}

// Close cancels all outstanding work and waits for in-flight tasks to
// drain, bounded by the reclaim timeout.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, r := range o.active {
		r.cancel()
	}
	for len(o.queue) > 0 {
		task := heap.Pop(&o.queue).(*Task)
		o.completeLocked(task, Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "orchestrator closed", nil)})
	}
	close(o.done)
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(o.cfg.ReclaimTimeout):
		log.Warn("orchestrator close timed out waiting for adapter")
	}
}

// SetPolicy swaps the admission ceiling and rate limiter. Takes effect
// for future admissions only; in-flight tasks are untouched.
func (o *Orchestrator) SetPolicy(ceiling int, limiter *rate.Limiter) {
	if ceiling < 1 {
		ceiling = 1
	}
	o.mu.Lock()
	o.ceiling = ceiling
	o.limiter = limiter
	o.mu.Unlock()
	o.kick()
}

// Submit enqueues a task and returns a channel that receives exactly
// one Completion. If a task for the same fingerprint is already queued
// or running, the caller subscribes to it and no new work starts. If
// the artifact is already cached, the completion is immediate.
func (o *Orchestrator) Submit(task *Task) <-chan Completion {
	ch := make(chan Completion, 1)

	if entry := o.store.Lookup(task.Fingerprint); entry != nil {
		o.store.Touch(task.Fingerprint)
		ch <- Completion{Task: task, Entry: entry}
		return ch
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		ch <- Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "orchestrator closed", nil)}
		return ch
	}

	fp := task.Fingerprint
	o.waiters[fp] = append(o.waiters[fp], ch)

	if _, isActive := o.active[fp]; isActive {
		return ch
	}
	for _, queued := range o.queue {
		if queued.Fingerprint == fp {
			// Escalate a queued prefetch if a cold-start request lands
			// on the same content.
			if task.Priority > queued.Priority {
				queued.Priority = task.Priority
				heap.Init(&o.queue)
			}
			return ch
		}
	}

	o.nextSeq++
	task.seq = o.nextSeq
	heap.Push(&o.queue, task)
	log.Debug("task queued",
		"task", task.ID,
		"fingerprint", fp.Short(),
		"priority", task.Priority)
	o.kickLocked()
	return ch
}

// Cancel withdraws the task for a fingerprint. Queued tasks complete
// immediately as cancelled; running tasks get their token set and the
// slot is reclaimed within the configured timeout.
func (o *Orchestrator) Cancel(fp tts.Fingerprint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelLocked(fp)
}

// CancelWhere withdraws every queued or running task matching pred.
// Used on invalidation to drop work for a stale voice in one sweep.
func (o *Orchestrator) CancelWhere(pred func(*Task) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stale []tts.Fingerprint
	for fp, r := range o.active {
		if pred(r.task) {
			stale = append(stale, fp)
		}
	}
	for _, task := range o.queue {
		if pred(task) {
			stale = append(stale, task.Fingerprint)
		}
	}
	for _, fp := range stale {
		o.cancelLocked(fp)
	}
	return len(stale)
}

// InFlight returns the fingerprints currently queued or running.
func (o *Orchestrator) InFlight() map[tts.Fingerprint]bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	set := make(map[tts.Fingerprint]bool, len(o.active)+len(o.queue))
	for fp := range o.active {
		set[fp] = true
	}
	for _, task := range o.queue {
		set[task.Fingerprint] = true
	}
	return set
}

// Occupancy returns the number of running tasks.
func (o *Orchestrator) Occupancy() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) cancelLocked(fp tts.Fingerprint) {
	if r, ok := o.active[fp]; ok {
		r.cancel()
		return
	}
	if task := o.queue.remove(fp); task != nil {
		o.completeLocked(task, Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "task withdrawn", nil)})
	}
}

func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) kickLocked() { o.kick() }

// dispatch is the single admission loop: it pops tasks while occupancy
// is below the current ceiling. All admission decisions happen here.
func (o *Orchestrator) dispatch() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if o.closed || len(o.queue) == 0 || len(o.active) >= o.ceiling {
				o.mu.Unlock()
				break
			}
			task := heap.Pop(&o.queue).(*Task)
			var ctx context.Context
			var cancel context.CancelFunc
			if task.Deadline.IsZero() {
				ctx, cancel = context.WithCancel(context.Background())
			} else {
				ctx, cancel = context.WithDeadline(context.Background(), task.Deadline)
			}
			o.active[task.Fingerprint] = &running{task: task, cancel: cancel}
			limiter := o.limiter
			o.inflight.Add(1)
			o.mu.Unlock()

			go o.execute(ctx, cancel, task, limiter)
		}
	}
}

// execute runs one admitted task, bounding the wait for a misbehaving
// adapter so a stuck cancellation can never deadlock the scheduler.
func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelFunc, task *Task, limiter *rate.Limiter) {
	defer o.inflight.Done()
	defer cancel()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			o.finish(task, Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "cancelled while rate limited", err)})
			return
		}
	}

	result := make(chan Completion, 1)
	go func() {
		// The adapter's own hard limit is held for as long as the
		// adapter call can possibly run, including after a reclaim.
		if err := o.hardSem.Acquire(ctx, 1); err != nil {
			result <- Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "cancelled awaiting adapter slot", err)}
			return
		}
		defer o.hardSem.Release(1)
		result <- o.runAttempts(ctx, task)
	}()

	select {
	case comp := <-result:
		o.finish(task, comp)
	case <-ctx.Done():
		// Cooperative token set; give the adapter a bounded window to
		// observe it before reclaiming the slot.
		select {
		case comp := <-result:
			o.finish(task, comp)
		case <-time.After(o.cfg.ReclaimTimeout):
			log.Warn("adapter ignored cancellation, reclaiming slot",
				"task", task.ID,
				"fingerprint", task.Fingerprint.Short())
			o.finish(task, Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "abandoned after reclaim timeout", ctx.Err())})
			// Drain the straggler; a late success is still published
			// opportunistically by runAttempts, just not awaited.
			go func() { <-result }()
		}
	}
}

// runAttempts is the retry loop: synthesize, then publish, counting
// the pair as one attempt. Publish failures are treated exactly like
// synthesis failures.
func (o *Orchestrator) runAttempts(ctx context.Context, task *Task) Completion {
	backoff := o.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "cancelled before attempt", ctx.Err())}
		}

		task.Attempts++
		result, err := o.adapter.Synthesize(ctx, task.Request)
		if err == nil {
			entry, perr := o.publish(task, result)
			if perr == nil {
				return Completion{Task: task, Entry: entry}
			}
			err = perr
		}

		if tts.IsCancelled(err) || ctx.Err() != nil {
			return Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "cancelled mid-attempt", err)}
		}

		lastErr = err
		if !tts.IsRetryable(err) {
			break
		}
		log.Debug("synthesis attempt failed",
			"task", task.ID,
			"attempt", attempt,
			"error", err)
		if attempt < o.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return Completion{Task: task, Err: tts.NewError(tts.CodeCancelled, "cancelled during backoff", ctx.Err())}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return Completion{Task: task, Err: lastErr}
}

// publish writes the result to a temp file and moves it into the cache
// atomically. The entry is indexed before any completion is signalled.
func (o *Orchestrator) publish(task *Task, result *tts.Result) (*cache.Entry, error) {
	tempPath, err := o.store.TempFile(task.Fingerprint)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(tempPath, result.Audio, 0o644); err != nil {
		os.Remove(tempPath)
		return nil, tts.NewError(tts.CodeFileWrite, "write temp artifact", err)
	}
	return o.store.Store(task.Fingerprint, tempPath, cache.Metadata{
		SampleRate: result.SampleRate,
		Duration:   result.Duration,
	})
}

// finish removes the task from the active set and notifies every
// subscriber. Cache publication has already happened by this point.
func (o *Orchestrator) finish(task *Task, comp Completion) {
	o.mu.Lock()
	delete(o.active, task.Fingerprint)
	o.completeLocked(task, comp)
	o.mu.Unlock()
	o.kick()
}

func (o *Orchestrator) completeLocked(task *Task, comp Completion) {
	chans := o.waiters[task.Fingerprint]
	delete(o.waiters, task.Fingerprint)
	for _, ch := range chans {
		ch <- comp
	}
	if comp.Err != nil && !tts.IsCancelled(comp.Err) {
		log.Debug("task failed",
			"task", task.ID,
			"fingerprint", task.Fingerprint.Short(),
			"attempts", task.Attempts,
			"error", comp.Err)
	}
}
