package jobs

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/paperwise/internal/analyzer"
	"github.com/yourusername/paperwise/internal/fetch"
)

// ResultOpener は保存済み成果物を読み出し用に開きます。
type ResultOpener interface {
	OpenResult(ref string) (*os.File, int64, error)
}

// SubmitInput は解析ジョブの投入パラメータです。
type SubmitInput struct {
	Source      Source
	Kind        analyzer.AnalysisKind
	Query       string
	CallbackURL string
}

// Service はジョブのライフサイクル操作をまとめた入口です。
// HTTP ハンドラーはこの層だけを呼び、ストア・キュー・バスへ直接触れません。
type Service struct {
	store        Store
	queue        *Queue
	bus          *EventBus
	notify       Notifier
	results      ResultOpener
	allowedHosts []string
	newID        func() string
	log          zerolog.Logger
}

// NewService は Service を作成します。
func NewService(store Store, queue *Queue, bus *EventBus, notify Notifier, results ResultOpener, allowedHosts []string, log zerolog.Logger) *Service {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Service{
		store:        store,
		queue:        queue,
		bus:          bus,
		notify:       notify,
		results:      results,
		allowedHosts: allowedHosts,
		newID:        uuid.NewString,
		log:          log.With().Str("component", "jobs").Logger(),
	}
}

// Submit は入力を検証してジョブを作成し、キューへ投入します。
// キューが飽和している場合はレコードを残さず ErrQueueSaturated を返します。
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*View, error) {
	if err := in.Source.Validate(); err != nil {
		return nil, newValidationError(err.Error())
	}
	if in.Source.RemoteURL != "" {
		if err := fetch.ValidateURL(in.Source.RemoteURL, s.allowedHosts); err != nil {
			return nil, newValidationError(err.Error())
		}
	}
	if in.Kind == "" {
		in.Kind = analyzer.KindComprehensive
	}
	if !analyzer.ValidKind(in.Kind) {
		return nil, newValidationError("不明な解析種別です: " + string(in.Kind))
	}
	if in.CallbackURL != "" {
		if err := validateCallbackURL(in.CallbackURL); err != nil {
			return nil, newValidationError(err.Error())
		}
	}

	now := time.Now()
	job := &Job{
		ID:          s.newID(),
		State:       StateQueued,
		Stage:       StageQueued,
		Source:      in.Source,
		Kind:        in.Kind,
		Query:       strings.TrimSpace(in.Query),
		CallbackURL: in.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(job.ID); err != nil {
		// レコードを残すとキューに存在しない queued ジョブになるため巻き戻す
		if derr := s.store.Delete(ctx, job.ID); derr != nil {
			s.log.Error().Err(derr).Str("job", job.ID).Msg("failed to roll back saturated submission")
		}
		return nil, err
	}

	s.log.Info().Str("job", job.ID).Str("kind", string(job.Kind)).Msg("job submitted")
	return ViewOf(job), nil
}

// GetStatus は現在のジョブ状態のスナップショットを返します。
func (s *Service) GetStatus(ctx context.Context, jobID string) (*View, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return ViewOf(job), nil
}

// Subscribe はジョブのイベント購読を開始します。購読開始時点の状態を
// 最初のイベントとして必ず受け取れます。終端後のジョブはレコードから
// 合成した終端イベント 1 件だけを流して閉じます。
func (s *Service) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() && !s.bus.Active(jobID) {
		return closedSubscription(stateEvent(job)), nil
	}
	seed := stateEvent(job)
	return s.bus.Subscribe(jobID, &seed), nil
}

// GetResult は完了ジョブの成果物を開きます。
// 未完了なら ErrNotReady、失敗終端なら ErrJobErrored を返します。
func (s *Service) GetResult(ctx context.Context, jobID string) (*os.File, int64, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	switch job.State {
	case StateQueued, StateProcessing:
		return nil, 0, ErrNotReady
	case StateError:
		if job.Error != nil {
			return nil, 0, &JobFailedError{Info: *job.Error}
		}
		return nil, 0, ErrJobErrored
	}
	if job.ResultRef == "" {
		return nil, 0, ErrNotFound
	}
	return s.results.OpenResult(job.ResultRef)
}

// Cancel はジョブの取り消しを要求します。queued のジョブは即座に
// cancelled で終端し、processing のジョブには協調的な取り消し要求を
// 立てるだけで、実際の終端はワーカーが行います。
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	// queued→processing と競合した場合はもう一方の経路でやり直す
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return ErrAlreadyTerminal
		}

		if job.State == StateQueued {
			errInfo := &ErrorInfo{Code: "cancelled", Message: "ジョブは取り消されました。"}
			ok, err := s.store.CompareAndSetState(ctx, jobID, StateQueued, func(j *Job) bool {
				j.State = StateError
				j.Stage = StageFailed
				j.Error = errInfo
				return true
			})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			s.bus.Publish(jobID, Event{
				Type:     EventError,
				JobID:    jobID,
				State:    StateError,
				Stage:    StageFailed,
				Progress: job.Progress,
				Error:    errInfo,
			})
			if done, err := s.store.Get(ctx, jobID); err == nil {
				s.notify.NotifyTerminal(ctx, done)
			}
			s.log.Info().Str("job", jobID).Msg("queued job cancelled")
			return nil
		}

		ok, err := s.store.CompareAndSetState(ctx, jobID, StateProcessing, func(j *Job) bool {
			if j.CancelRequested {
				return false
			}
			j.CancelRequested = true
			return true
		})
		if err != nil {
			return err
		}
		if ok {
			s.log.Info().Str("job", jobID).Msg("cancel requested for running job")
			return nil
		}
		// 既に要求済みか、CAS の合間に終端した。再取得して判定し直す
		job, err = s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return ErrAlreadyTerminal
		}
		if job.CancelRequested {
			return nil
		}
	}
	return ErrConflict
}

// validateCallbackURL は callbackUrl が http(s) の絶対URLであることを検証します。
func validateCallbackURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return errors.New("callbackUrl には http(s) の絶対URLを指定してください")
	}
	return nil
}
