package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// staleProcessingJob は最終更新が古い processing ジョブをストアへ仕込みます。
func staleProcessingJob(t *testing.T, store *MemoryStore, id string, attempt int, age time.Duration) {
	t.Helper()
	ctx := context.Background()

	store.now = func() time.Time { return time.Now().Add(-age) }
	defer func() { store.now = time.Now }()

	if err := store.Create(ctx, newQueuedJob(id)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := store.CompareAndSetState(ctx, id, StateQueued, func(j *Job) bool {
		j.State = StateProcessing
		j.Stage = "analyzing"
		j.Progress = 40
		j.Attempt = attempt
		return true
	})
	if err != nil || !ok {
		t.Fatalf("CAS = (%v, %v)", ok, err)
	}
}

func TestReaperRequeuesStaleJob(t *testing.T) {
	store := NewMemoryStore()
	queue := NewQueue(4)
	bus := NewEventBus(time.Second)
	r := NewReaper(store, queue, bus, nil, nil, ReaperOptions{
		Interval:        time.Minute,
		LivenessTimeout: 5 * time.Minute,
		MaxAttempts:     5,
	}, zerolog.Nop())

	staleProcessingJob(t, store, "j1", 1, 10*time.Minute)
	r.sweepOnce(context.Background())

	job, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != StateProcessing || !job.Requeued || job.Attempt != 2 {
		t.Fatalf("after sweep: %+v, want requeued processing job with attempt 2", job)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", queue.Len())
	}

	// 再投入済みのジョブは次の周回で二重投入されない
	r.sweepOnce(context.Background())
	if queue.Len() != 1 {
		t.Fatalf("queue length after second sweep = %d, want 1", queue.Len())
	}
}

func TestReaperRetriesEnqueueAfterSaturation(t *testing.T) {
	store := NewMemoryStore()
	queue := NewQueue(1)
	bus := NewEventBus(time.Second)
	r := NewReaper(store, queue, bus, nil, nil, ReaperOptions{
		Interval:        time.Minute,
		LivenessTimeout: 5 * time.Minute,
		MaxAttempts:     5,
	}, zerolog.Nop())

	if err := queue.Enqueue("other"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	staleProcessingJob(t, store, "j1", 1, 10*time.Minute)

	// キューが埋まっているため、マークはされるが投入は失敗する
	store.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	r.sweepOnce(context.Background())
	store.now = time.Now

	job, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !job.Requeued || job.Attempt != 2 {
		t.Fatalf("after saturated sweep: %+v, want marked job with attempt 2", job)
	}
	if queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", queue.Len())
	}

	// 空きができた次の周回で投入をやり直す
	if _, err := queue.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	r.sweepOnce(context.Background())

	id, err := queue.Dequeue(context.Background())
	if err != nil || id != "j1" {
		t.Fatalf("Dequeue = (%q, %v), want j1", id, err)
	}
	job, err = store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Attempt != 2 {
		t.Fatalf("attempt after retry sweep = %d, want 2 (no double increment)", job.Attempt)
	}
}

func TestReaperLeavesLiveJobsAlone(t *testing.T) {
	store := NewMemoryStore()
	queue := NewQueue(4)
	bus := NewEventBus(time.Second)
	r := NewReaper(store, queue, bus, nil, nil, ReaperOptions{
		Interval:        time.Minute,
		LivenessTimeout: 5 * time.Minute,
		MaxAttempts:     5,
	}, zerolog.Nop())

	// 更新が新しい processing ジョブは対象外
	staleProcessingJob(t, store, "fresh", 1, time.Minute)
	r.sweepOnce(context.Background())

	job, err := store.Get(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Requeued || job.Attempt != 1 {
		t.Fatalf("live job touched by reaper: %+v", job)
	}
	if queue.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", queue.Len())
	}
}

func TestReaperTerminatesExhaustedJob(t *testing.T) {
	store := NewMemoryStore()
	queue := NewQueue(4)
	bus := NewEventBus(time.Second)
	r := NewReaper(store, queue, bus, nil, nil, ReaperOptions{
		Interval:        time.Minute,
		LivenessTimeout: 5 * time.Minute,
		MaxAttempts:     3,
	}, zerolog.Nop())

	sub := bus.Subscribe("j1", nil)
	defer sub.Close()

	staleProcessingJob(t, store, "j1", 3, 10*time.Minute)
	r.sweepOnce(context.Background())

	job, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != StateError || job.Error == nil || job.Error.Code != "worker-lost" {
		t.Fatalf("after sweep: %+v, want worker-lost terminal", job)
	}
	if queue.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", queue.Len())
	}

	ev := <-sub.C
	if ev.Type != EventError || ev.Error == nil || ev.Error.Code != "worker-lost" {
		t.Fatalf("event = %+v, want worker-lost error event", ev)
	}
}

// sweepRecorder は Sweep 呼び出しを記録します。
type sweepRecorder struct {
	calls []time.Duration
}

func (s *sweepRecorder) Sweep(olderThan time.Duration) error {
	s.calls = append(s.calls, olderThan)
	return nil
}

func TestReaperSweepsArtifacts(t *testing.T) {
	store := NewMemoryStore()
	rec := &sweepRecorder{}
	r := NewReaper(store, NewQueue(1), NewEventBus(time.Second), nil, rec, ReaperOptions{
		Interval:    time.Minute,
		ArtifactTTL: 2 * time.Hour,
	}, zerolog.Nop())

	r.sweepOnce(context.Background())
	if len(rec.calls) != 1 || rec.calls[0] != 2*time.Hour {
		t.Fatalf("sweeper calls = %v, want one call with 2h", rec.calls)
	}
}
