package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ArtifactSweeper は期限切れの成果物を削除します。
type ArtifactSweeper interface {
	Sweep(olderThan time.Duration) error
}

// ReaperOptions は Reaper の調整項目です。ゼロ値にはデフォルトが入ります。
type ReaperOptions struct {
	Interval        time.Duration
	LivenessTimeout time.Duration
	MaxAttempts     int
	ArtifactTTL     time.Duration
}

// Reaper はワーカーが消息を絶ったジョブを回収します。
// 最終更新が LivenessTimeout より古い processing ジョブを、試行回数が
// 残っていれば再投入し、使い切っていれば worker-lost で終端させます。
// あわせて期限切れ成果物の掃除も行います。
type Reaper struct {
	store   Store
	queue   *Queue
	bus     *EventBus
	notify  Notifier
	sweeper ArtifactSweeper
	opts    ReaperOptions
	log     zerolog.Logger
}

// NewReaper は Reaper を作成します。sweeper は nil でも構いません。
func NewReaper(store Store, queue *Queue, bus *EventBus, notify Notifier, sweeper ArtifactSweeper, opts ReaperOptions, log zerolog.Logger) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.ArtifactTTL <= 0 {
		opts.ArtifactTTL = time.Hour
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Reaper{
		store:   store,
		queue:   queue,
		bus:     bus,
		notify:  notify,
		sweeper: sweeper,
		opts:    opts,
		log:     log.With().Str("component", "reaper").Logger(),
	}
}

// Start は回収ループをバックグラウンドで起動します。ctx の取り消しで停止します。
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepOnce(ctx)
			}
		}
	}()
}

// sweepOnce は停滞ジョブの回収と成果物の掃除を一巡分行います。
func (r *Reaper) sweepOnce(ctx context.Context) {
	jobs, err := r.store.ListByState(ctx, StateProcessing)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list processing jobs")
	} else {
		cutoff := time.Now().Add(-r.opts.LivenessTimeout)
		for _, job := range jobs {
			if job.UpdatedAt.After(cutoff) {
				continue
			}
			r.reap(ctx, job)
		}
	}

	if r.sweeper != nil {
		if err := r.sweeper.Sweep(r.opts.ArtifactTTL); err != nil {
			r.log.Error().Err(err).Msg("artifact sweep failed")
		}
	}
}

// reap は停滞した 1 ジョブを再投入するか worker-lost で終端させます。
func (r *Reaper) reap(ctx context.Context, stale *Job) {
	if stale.Attempt >= r.opts.MaxAttempts {
		r.reapExhausted(ctx, stale)
		return
	}

	// すでにマーク済みの停滞ジョブは、前回の投入がキュー飽和で失敗した
	// ケースなので、CAS を挟まず投入だけをやり直す。重複投入になっても
	// ワーカー側の獲得 CAS が Requeued フラグごと弾くため安全。
	if stale.Requeued {
		if err := r.queue.Enqueue(stale.ID); err != nil {
			r.log.Warn().Err(err).Str("job", stale.ID).Msg("could not requeue stale job")
			return
		}
		r.log.Info().Str("job", stale.ID).Int("attempt", stale.Attempt).Msg("requeued stale job")
		return
	}

	ok, err := r.store.CompareAndSetState(ctx, stale.ID, StateProcessing, func(job *Job) bool {
		// 回収判断後に生きたワーカーが進めていたら何もしない
		if job.UpdatedAt.After(stale.UpdatedAt) || job.Requeued {
			return false
		}
		job.Attempt++
		job.Requeued = true
		return true
	})
	if err != nil {
		r.log.Error().Err(err).Str("job", stale.ID).Msg("failed to mark stale job for requeue")
		return
	}
	if !ok {
		return
	}

	if err := r.queue.Enqueue(stale.ID); err != nil {
		r.log.Warn().Err(err).Str("job", stale.ID).Msg("could not requeue stale job")
		return
	}
	r.log.Info().Str("job", stale.ID).Int("attempt", stale.Attempt+1).Msg("requeued stale job")
}

// reapExhausted は試行回数を使い切った停滞ジョブを worker-lost で終端させます。
func (r *Reaper) reapExhausted(ctx context.Context, stale *Job) {
	errInfo := &ErrorInfo{
		Code:    "worker-lost",
		Message: "解析ワーカーとの接続が失われました。もう一度お試しください。",
	}
	ok, err := r.store.CompareAndSetState(ctx, stale.ID, StateProcessing, func(job *Job) bool {
		if job.UpdatedAt.After(stale.UpdatedAt) {
			return false
		}
		job.State = StateError
		job.Stage = StageFailed
		job.Error = errInfo
		return true
	})
	if err != nil {
		r.log.Error().Err(err).Str("job", stale.ID).Msg("failed to terminate stale job")
		return
	}
	if !ok {
		return
	}

	r.log.Warn().Str("job", stale.ID).Int("attempt", stale.Attempt).Msg("job terminated as worker-lost")
	r.bus.Publish(stale.ID, Event{
		Type:     EventError,
		JobID:    stale.ID,
		State:    StateError,
		Stage:    StageFailed,
		Progress: stale.Progress,
		Error:    errInfo,
	})
	if job, err := r.store.Get(ctx, stale.ID); err == nil {
		r.notify.NotifyTerminal(ctx, job)
	}
}
