// Package jobs は非同期ジョブの受付・実行・進捗配信を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/paperwise/internal/analyzer"
)

// errCancelled はステージ間で検出した協調的キャンセルを表す内部エラーです。
var errCancelled = errors.New("jobs: cancel requested")

// DocumentResolver はドキュメント参照・リモートURLをローカルパスへ解決します。
// 実装は internal/fetch が提供します。
type DocumentResolver interface {
	Resolve(ctx context.Context, documentRef, remoteURL string) (string, error)
}

// ArtifactStore は最終成果物を保存します。
type ArtifactStore interface {
	SaveResult(jobID string, data []byte) (string, error)
}

// PoolOptions はワーカープールのチューニング項目です。
type PoolOptions struct {
	Workers      int
	MaxAttempts  int
	StageTimeout time.Duration
}

// Pool は固定数のワーカーでキューからジョブを取り出し、アナライザーを駆動します。
// ワーカー間で共有する可変状態は Store の CAS と EventBus のチャネルだけです。
type Pool struct {
	store     Store
	queue     *Queue
	bus       *EventBus
	resolver  DocumentResolver
	analyzer  analyzer.Analyzer
	artifacts ArtifactStore
	notifier  Notifier
	log       zerolog.Logger

	workers      int
	maxAttempts  int
	stageTimeout time.Duration
	// delay は再試行前の待機時間を決めます。テストで注入できるように分離しています。
	delay func(attempt int) time.Duration

	wg sync.WaitGroup
}

// NewPool は Pool を作成します。
func NewPool(store Store, queue *Queue, bus *EventBus, resolver DocumentResolver, anlz analyzer.Analyzer, artifacts ArtifactStore, notifier Notifier, opts PoolOptions, log zerolog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Minute
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Pool{
		store:        store,
		queue:        queue,
		bus:          bus,
		resolver:     resolver,
		analyzer:     anlz,
		artifacts:    artifacts,
		notifier:     notifier,
		log:          log.With().Str("component", "worker").Logger(),
		workers:      opts.Workers,
		maxAttempts:  opts.MaxAttempts,
		stageTimeout: opts.StageTimeout,
		delay:        RetryDelay,
	}
}

// Start はワーカーゴルーチンを起動します。ctx の取り消しで全ワーカーが停止します。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}(i)
	}
}

// Wait は全ワーカーの停止を待ちます。
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID int) {
	log := p.log.With().Int("worker", workerID).Logger()
	for {
		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.process(ctx, log, jobID)
	}
}

// claim はジョブの実行権を取得します。新規ジョブは queued → processing、
// 回収スイープが再投入したジョブは Requeued フラグを消費して再claimします。
// どちらのCASも失敗した場合（キャンセル済み・重複配布など）は破棄します。
func (p *Pool) claim(ctx context.Context, jobID string) (*Job, bool) {
	var claimed *Job

	ok, err := p.store.CompareAndSetState(ctx, jobID, StateQueued, func(j *Job) bool {
		j.State = StateProcessing
		j.Stage = StageFetching
		j.Attempt = 1
		c := *j
		claimed = &c
		return true
	})
	if err == nil && ok {
		return claimed, true
	}

	ok, err = p.store.CompareAndSetState(ctx, jobID, StateProcessing, func(j *Job) bool {
		if !j.Requeued {
			return false
		}
		j.Requeued = false
		c := *j
		claimed = &c
		return true
	})
	if err == nil && ok {
		return claimed, true
	}
	return nil, false
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, jobID string) {
	job, ok := p.claim(ctx, jobID)
	if !ok {
		log.Debug().Str("job", jobID).Msg("claim failed, discarding queue item")
		return
	}
	log.Info().Str("job", jobID).Int("attempt", job.Attempt).Msg("job claimed")
	p.bus.Publish(jobID, stateEvent(job))

	// 再試行をまたいで進捗を巻き戻さないための高水位
	highWater := job.Progress
	attempt := job.Attempt

	for {
		artifact, runErr := p.runAttempt(ctx, job, &highWater)
		if runErr == nil {
			p.finish(ctx, log, job, artifact)
			return
		}
		if errors.Is(runErr, errCancelled) {
			p.fail(ctx, log, job, "cancelled", "キャンセル要求により処理を中断しました。")
			return
		}
		var aerr *analyzer.Error
		if !errors.As(runErr, &aerr) && ctx.Err() != nil {
			// シャットダウン。processing のまま残し、回収スイープに委ねる。
			log.Warn().Str("job", jobID).Msg("shutdown during attempt, leaving job for reaper")
			return
		}

		code, message := analyzer.Classify(runErr, "analysis-failed")
		if !analyzer.IsTransient(runErr) {
			p.fail(ctx, log, job, code, message)
			return
		}
		if attempt >= p.maxAttempts {
			p.fail(ctx, log, job, code, message)
			return
		}

		// 一時的エラー: バックオフして同じステージから再開する
		p.bus.Publish(jobID, Event{
			Type:     EventLog,
			JobID:    jobID,
			Progress: highWater,
			Message:  fmt.Sprintf("一時的なエラーのため再試行します (%d/%d): %s", attempt, p.maxAttempts, code),
		})
		log.Warn().Str("job", jobID).Int("attempt", attempt).Str("code", code).Msg("transient failure, retrying")

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return
		}

		attempt++
		var next *Job
		ok, err := p.store.CompareAndSetState(ctx, jobID, StateProcessing, func(j *Job) bool {
			if j.CancelRequested {
				return false
			}
			j.Attempt = attempt
			c := *j
			next = &c
			return true
		})
		if err != nil || !ok {
			// キャンセル要求か外部による終端。キャンセルならここで終端させる。
			if cur, gerr := p.store.Get(ctx, jobID); gerr == nil && cur.State == StateProcessing && cur.CancelRequested {
				p.fail(ctx, log, cur, "cancelled", "キャンセル要求により処理を中断しました。")
			}
			return
		}
		job = next
	}
}

// runAttempt は1回の試行を実行します。ステージ境界ごとに監視タイマーを
// 仕切り直し、タイムアウトは一時的エラーとして返します。
func (p *Pool) runAttempt(ctx context.Context, job *Job, highWater *int) (*analyzer.Artifact, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut, cancelled atomic.Bool
	watchdog := time.AfterFunc(p.stageTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	report := func(stage string, percent int) {
		watchdog.Reset(p.stageTimeout)
		// 同一 processing 区間では進捗を単調非減少に保つ
		if percent < *highWater {
			percent = *highWater
		} else {
			*highWater = percent
		}

		ok, err := p.store.CompareAndSetState(ctx, job.ID, StateProcessing, func(j *Job) bool {
			if j.CancelRequested {
				cancelled.Store(true)
				return false
			}
			j.Stage = stage
			j.Progress = percent
			return true
		})
		if cancelled.Load() {
			cancel()
			return
		}
		if err != nil || !ok {
			// レコードに書けなくてもストリーム配信は続ける。次の境界で再確認する。
			p.log.Debug().Str("job", job.ID).Str("stage", stage).Msg("progress persist skipped")
		}
		p.bus.Publish(job.ID, Event{
			Type:     EventState,
			JobID:    job.ID,
			State:    StateProcessing,
			Stage:    stage,
			Progress: percent,
		})
	}

	report(StageFetching, 5)
	if cancelled.Load() {
		return nil, errCancelled
	}

	path, err := p.resolver.Resolve(runCtx, job.Source.DocumentRef, job.Source.RemoteURL)
	var artifact *analyzer.Artifact
	if err == nil {
		artifact, err = p.analyzer.Run(runCtx, path, analyzer.Config{Kind: job.Kind, Query: job.Query}, report)
	}
	if err != nil {
		switch {
		case cancelled.Load():
			return nil, errCancelled
		case timedOut.Load():
			return nil, analyzer.Transient("timeout", "ステージの実行が時間内に完了しませんでした。", err)
		}
		return nil, err
	}
	return artifact, nil
}

func (p *Pool) finish(ctx context.Context, log zerolog.Logger, job *Job, artifact *analyzer.Artifact) {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		p.fail(ctx, log, job, "internal", "成果物のエンコードに失敗しました。")
		return
	}
	ref, err := p.artifacts.SaveResult(job.ID, data)
	if err != nil {
		p.fail(ctx, log, job, "internal", "成果物の保存に失敗しました。")
		return
	}

	var done *Job
	ok, err := p.store.CompareAndSetState(ctx, job.ID, StateProcessing, func(j *Job) bool {
		j.State = StateDone
		j.Stage = StageCompleted
		j.Progress = 100
		j.ResultRef = ref
		j.Error = nil
		c := *j
		done = &c
		return true
	})
	if err != nil || !ok {
		// 回収スイープ等が先に終端させた場合、終端イベントはそちらが発行済み
		log.Warn().Str("job", job.ID).Msg("terminal CAS lost, skipping done event")
		return
	}

	log.Info().Str("job", job.ID).Str("resultRef", ref).Msg("job done")
	p.bus.Publish(job.ID, Event{
		Type:      EventDone,
		JobID:     job.ID,
		State:     StateDone,
		Progress:  100,
		ResultRef: ref,
	})
	p.notifier.NotifyTerminal(ctx, done)
}

func (p *Pool) fail(ctx context.Context, log zerolog.Logger, job *Job, code, message string) {
	info := &ErrorInfo{Code: code, Message: message}
	var failed *Job
	ok, err := p.store.CompareAndSetState(ctx, job.ID, StateProcessing, func(j *Job) bool {
		j.State = StateError
		j.Stage = StageFailed
		j.Error = info
		c := *j
		failed = &c
		return true
	})
	if err != nil || !ok {
		log.Warn().Str("job", job.ID).Str("code", code).Msg("terminal CAS lost, skipping error event")
		return
	}

	log.Info().Str("job", job.ID).Str("code", code).Msg("job failed")
	p.bus.Publish(job.ID, Event{
		Type:     EventError,
		JobID:    job.ID,
		State:    StateError,
		Progress: failed.Progress,
		Error:    info,
	})
	p.notifier.NotifyTerminal(ctx, failed)
}
