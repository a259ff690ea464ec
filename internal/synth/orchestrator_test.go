package synth_test

import (
	"testing"
	"time"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/synth"
	"github.com/dgnsrekt/readaloud/internal/tts"
	"github.com/dgnsrekt/readaloud/internal/tts/engines/mock"
)

func newTestOrchestrator(t *testing.T, engine *mock.Engine, cfg synth.Config) (*synth.Orchestrator, *cache.Cache) {
	t.Helper()
	store, err := cache.New(cache.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	o := synth.New(engine, store, cfg)
	o.Start()
	t.Cleanup(o.Close)
	return o, store
}

func testConfig() synth.Config {
	cfg := synth.DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.ReclaimTimeout = 100 * time.Millisecond
	return cfg
}

func request(text string) tts.Request {
	return tts.Request{Text: text, VoiceID: "en_US-amy", Rate: 1.0}
}

func waitCompletion(t *testing.T, ch <-chan synth.Completion) synth.Completion {
	t.Helper()
	select {
	case comp := <-ch:
		return comp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return synth.Completion{}
	}
}

func TestSubmitDeduplicatesByFingerprint(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(80 * time.Millisecond)
	o, store := newTestOrchestrator(t, engine, testConfig())

	req := request("deduplicated sentence")
	ch1 := o.Submit(synth.NewTask(req, synth.PriorityPrefetch))
	ch2 := o.Submit(synth.NewTask(req, synth.PriorityPrefetch))

	comp1 := waitCompletion(t, ch1)
	comp2 := waitCompletion(t, ch2)

	if comp1.Err != nil || comp2.Err != nil {
		t.Fatalf("completions failed: %v, %v", comp1.Err, comp2.Err)
	}
	if calls := engine.CallsFor(req.Text); calls != 1 {
		t.Errorf("expected 1 adapter call for duplicate submits, got %d", calls)
	}

	// Publication precedes notification: the artifact must already be
	// readable when the completion arrives.
	if store.Lookup(comp1.Task.Fingerprint) == nil {
		t.Error("artifact not in cache at completion time")
	}
	if _, err := store.ReadArtifact(comp1.Task.Fingerprint); err != nil {
		t.Errorf("read artifact: %v", err)
	}
}

func TestCachedContentShortCircuits(t *testing.T) {
	engine := mock.New()
	o, _ := newTestOrchestrator(t, engine, testConfig())

	req := request("warm content")
	first := waitCompletion(t, o.Submit(synth.NewTask(req, synth.PriorityPrefetch)))
	if first.Err != nil {
		t.Fatalf("first synthesis failed: %v", first.Err)
	}

	second := waitCompletion(t, o.Submit(synth.NewTask(req, synth.PriorityPrefetch)))
	if second.Err != nil {
		t.Fatalf("cached submit failed: %v", second.Err)
	}
	if second.Entry == nil {
		t.Fatal("cached submit returned no entry")
	}
	if calls := engine.CallsFor(req.Text); calls != 1 {
		t.Errorf("cache hit should not re-synthesize, got %d calls", calls)
	}
}

func TestConcurrencyCeilingRespected(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(50 * time.Millisecond)
	engine.SetMaxConcurrency(8)

	cfg := testConfig()
	cfg.MaxConcurrency = 2
	o, _ := newTestOrchestrator(t, engine, cfg)

	texts := []string{"one", "two", "three", "four", "five", "six"}
	chans := make([]<-chan synth.Completion, 0, len(texts))
	for _, text := range texts {
		chans = append(chans, o.Submit(synth.NewTask(request(text), synth.PriorityPrefetch)))
	}
	for _, ch := range chans {
		if comp := waitCompletion(t, ch); comp.Err != nil {
			t.Fatalf("completion failed: %v", comp.Err)
		}
	}

	if peak := engine.PeakConcurrency(); peak > 2 {
		t.Errorf("ceiling 2 violated, peak concurrency %d", peak)
	}
}

func TestCeilingOfOneIsSequential(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(20 * time.Millisecond)

	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o, _ := newTestOrchestrator(t, engine, cfg)

	chans := make([]<-chan synth.Completion, 0, 4)
	for _, text := range []string{"a", "b", "c", "d"} {
		chans = append(chans, o.Submit(synth.NewTask(request(text), synth.PriorityPrefetch)))
	}
	for _, ch := range chans {
		if comp := waitCompletion(t, ch); comp.Err != nil {
			t.Fatalf("completion failed: %v", comp.Err)
		}
	}

	if peak := engine.PeakConcurrency(); peak != 1 {
		t.Errorf("expected strictly sequential execution, peak %d", peak)
	}
}

func TestAdapterHardLimitCapsProfileCeiling(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(50 * time.Millisecond)
	engine.SetMaxConcurrency(1)

	cfg := testConfig()
	cfg.MaxConcurrency = 4
	o, _ := newTestOrchestrator(t, engine, cfg)

	chans := make([]<-chan synth.Completion, 0, 3)
	for _, text := range []string{"x", "y", "z"} {
		chans = append(chans, o.Submit(synth.NewTask(request(text), synth.PriorityPrefetch)))
	}
	for _, ch := range chans {
		if comp := waitCompletion(t, ch); comp.Err != nil {
			t.Fatalf("completion failed: %v", comp.Err)
		}
	}

	if peak := engine.PeakConcurrency(); peak != 1 {
		t.Errorf("adapter limit 1 violated, peak %d", peak)
	}
}

func TestColdStartJumpsPrefetchQueue(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(60 * time.Millisecond)

	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o, _ := newTestOrchestrator(t, engine, cfg)

	// Occupy the single slot, then queue two prefetches and escalate
	// the second with a cold-start submit for the same content.
	blocker := o.Submit(synth.NewTask(request("blocker"), synth.PriorityPrefetch))
	chA := o.Submit(synth.NewTask(request("speculative"), synth.PriorityPrefetch))
	reqB := request("imminent")
	o.Submit(synth.NewTask(reqB, synth.PriorityPrefetch))
	chB := o.Submit(synth.NewTask(reqB, synth.PriorityColdStart))

	waitCompletion(t, blocker)
	compB := waitCompletion(t, chB)
	if compB.Err != nil {
		t.Fatalf("cold-start completion failed: %v", compB.Err)
	}

	select {
	case <-chA:
		t.Error("prefetch task finished before escalated cold-start task")
	default:
	}
	waitCompletion(t, chA)

	if calls := engine.CallsFor(reqB.Text); calls != 1 {
		t.Errorf("escalation should not duplicate work, got %d calls", calls)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(100 * time.Millisecond)

	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o, _ := newTestOrchestrator(t, engine, cfg)

	blocker := o.Submit(synth.NewTask(request("running"), synth.PriorityPrefetch))

	queued := synth.NewTask(request("never started"), synth.PriorityPrefetch)
	ch := o.Submit(queued)
	o.Cancel(queued.Fingerprint)

	comp := waitCompletion(t, ch)
	if !tts.IsCancelled(comp.Err) {
		t.Fatalf("expected cancelled completion, got %v", comp.Err)
	}

	waitCompletion(t, blocker)
	if calls := engine.CallsFor("never started"); calls != 0 {
		t.Errorf("cancelled queued task reached the adapter %d times", calls)
	}
}

func TestCancelRunningTaskCooperatively(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(2 * time.Second)
	o, _ := newTestOrchestrator(t, engine, testConfig())

	task := synth.NewTask(request("long synthesis"), synth.PriorityPrefetch)
	ch := o.Submit(task)

	// Let the task get admitted before cancelling.
	deadline := time.Now().Add(time.Second)
	for o.Occupancy() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	start := time.Now()
	o.Cancel(task.Fingerprint)

	comp := waitCompletion(t, ch)
	if !tts.IsCancelled(comp.Err) {
		t.Fatalf("expected cancelled completion, got %v", comp.Err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cooperative cancel took %v", elapsed)
	}
}

func TestReclaimAfterAdapterIgnoresCancellation(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(500 * time.Millisecond)
	engine.IgnoreCancellation(true)

	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.ReclaimTimeout = 50 * time.Millisecond
	o, _ := newTestOrchestrator(t, engine, cfg)

	task := synth.NewTask(request("stuck"), synth.PriorityPrefetch)
	ch := o.Submit(task)

	deadline := time.Now().Add(time.Second)
	for o.Occupancy() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	o.Cancel(task.Fingerprint)

	start := time.Now()
	comp := waitCompletion(t, ch)
	if !tts.IsCancelled(comp.Err) {
		t.Fatalf("expected cancelled completion, got %v", comp.Err)
	}
	// The slot must come back after the reclaim timeout, well before
	// the stuck adapter call returns.
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("slot reclaim took %v", elapsed)
	}

	next := waitCompletion(t, o.Submit(synth.NewTask(request("after reclaim"), synth.PriorityPrefetch)))
	if next.Err != nil {
		t.Fatalf("work after reclaim failed: %v", next.Err)
	}
}

func TestRetryableFailureIsRetried(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(time.Millisecond)
	engine.FailNext(
		tts.NewError(tts.CodeOutOfMemory, "inference OOM", nil),
		tts.NewError(tts.CodeOutOfMemory, "inference OOM", nil),
	)
	o, _ := newTestOrchestrator(t, engine, testConfig())

	req := request("eventually succeeds")
	comp := waitCompletion(t, o.Submit(synth.NewTask(req, synth.PriorityPrefetch)))
	if comp.Err != nil {
		t.Fatalf("expected success after retries, got %v", comp.Err)
	}
	if calls := engine.CallsFor(req.Text); calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetriesExhausted(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(time.Millisecond)
	engine.FailWith(tts.NewError(tts.CodeOutOfMemory, "inference OOM", nil))
	o, _ := newTestOrchestrator(t, engine, testConfig())

	req := request("always fails")
	comp := waitCompletion(t, o.Submit(synth.NewTask(req, synth.PriorityPrefetch)))
	if tts.CodeOf(comp.Err) != tts.CodeOutOfMemory {
		t.Fatalf("expected OOM error, got %v", comp.Err)
	}
	if calls := engine.CallsFor(req.Text); calls != 3 {
		t.Errorf("expected 3 attempts before giving up, got %d", calls)
	}
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(time.Millisecond)
	engine.FailWith(tts.NewError(tts.CodeModelMissing, "no model", nil))
	o, _ := newTestOrchestrator(t, engine, testConfig())

	req := request("doomed")
	comp := waitCompletion(t, o.Submit(synth.NewTask(req, synth.PriorityPrefetch)))
	if tts.CodeOf(comp.Err) != tts.CodeModelMissing {
		t.Fatalf("expected model-missing error, got %v", comp.Err)
	}
	if calls := engine.CallsFor(req.Text); calls != 1 {
		t.Errorf("fatal failure retried: %d calls", calls)
	}
}

func TestCancelWhereDropsMatchingTasks(t *testing.T) {
	engine := mock.New()
	engine.SetDelay(100 * time.Millisecond)

	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o, _ := newTestOrchestrator(t, engine, cfg)

	oldVoice := tts.Request{Text: "stale one", VoiceID: "old", Rate: 1.0}
	oldVoice2 := tts.Request{Text: "stale two", VoiceID: "old", Rate: 1.0}
	newVoice := tts.Request{Text: "still wanted", VoiceID: "new", Rate: 1.0}

	ch1 := o.Submit(synth.NewTask(oldVoice, synth.PriorityPrefetch))
	ch2 := o.Submit(synth.NewTask(oldVoice2, synth.PriorityPrefetch))
	ch3 := o.Submit(synth.NewTask(newVoice, synth.PriorityPrefetch))

	dropped := o.CancelWhere(func(task *synth.Task) bool {
		return task.Request.VoiceID == "old"
	})
	if dropped != 2 {
		t.Errorf("expected 2 cancellations, got %d", dropped)
	}

	for _, ch := range []<-chan synth.Completion{ch1, ch2} {
		if comp := waitCompletion(t, ch); !tts.IsCancelled(comp.Err) {
			t.Errorf("expected cancelled completion, got %v", comp.Err)
		}
	}
	if comp := waitCompletion(t, ch3); comp.Err != nil {
		t.Errorf("unmatched task should survive, got %v", comp.Err)
	}
}

func TestSubmitAfterCloseFailsFast(t *testing.T) {
	engine := mock.New()
	store, err := cache.New(cache.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	defer store.Close()

	o := synth.New(engine, store, testConfig())
	o.Start()
	o.Close()

	comp := waitCompletion(t, o.Submit(synth.NewTask(request("too late"), synth.PriorityPrefetch)))
	if !tts.IsCancelled(comp.Err) {
		t.Fatalf("expected cancelled completion after close, got %v", comp.Err)
	}
}
