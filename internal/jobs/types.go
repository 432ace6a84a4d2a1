package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/paperwise/internal/analyzer"
)

// State はジョブの実行状態を表します。
// 遷移は queued → processing → {done|error} の一方向のみです。
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Terminal は終了状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// ステージ名。processing 中の進行位置を表すラベルです。
const (
	StageQueued    = "queued"
	StageFetching  = "fetching"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Source は解析対象の参照です。documentRef / remoteUrl のどちらか一方のみを
// 持つタグ付きユニオンで、Validate がその不変条件を強制します。
type Source struct {
	DocumentRef string `json:"documentRef,omitempty"`
	RemoteURL   string `json:"remoteUrl,omitempty"`
}

// Validate はちょうど一方の参照だけが指定されていることを検証します。
func (s Source) Validate() error {
	hasRef := strings.TrimSpace(s.DocumentRef) != ""
	hasURL := strings.TrimSpace(s.RemoteURL) != ""
	switch {
	case hasRef && hasURL:
		return fmt.Errorf("documentRef と remoteUrl は同時に指定できません")
	case !hasRef && !hasURL:
		return fmt.Errorf("documentRef または remoteUrl のどちらかを指定してください")
	}
	return nil
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job はジョブの正準レコードです。JobStore だけがこのレコードを所有し、
// ワーカーは CompareAndSetState を通してのみ変更します。
type Job struct {
	ID          string                `json:"id"`
	State       State                 `json:"state"`
	Stage       string                `json:"stage,omitempty"`
	Progress    int                   `json:"progress"`
	Source      Source                `json:"source"`
	Kind        analyzer.AnalysisKind `json:"kind"`
	Query       string                `json:"query,omitempty"`
	CallbackURL string                `json:"callbackUrl,omitempty"`

	// Attempt は現在の試行番号（1始まり）。再試行・クラッシュ回収で増えます。
	Attempt int `json:"attempt"`
	// Requeued は回収スイープが再投入したことを示し、ワーカーの再claimを許可します。
	Requeued bool `json:"requeued,omitempty"`
	// CancelRequested は処理中ジョブへの協調的キャンセル要求です。
	CancelRequested bool `json:"cancelRequested,omitempty"`

	ResultRef string     `json:"resultRef,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// View はステータス参照用の固定形レスポンスです。未使用フィールドは null になります。
type View struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Stage        *string   `json:"stage"`
	Progress     int       `json:"progress"`
	ErrorCode    *string   `json:"errorCode"`
	ErrorMessage *string   `json:"errorMessage"`
	ResultRef    *string   `json:"resultRef"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ViewOf は Job から View を構築します。
func ViewOf(job *Job) *View {
	v := &View{
		ID:        job.ID,
		State:     job.State,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Stage != "" {
		v.Stage = &job.Stage
	}
	if job.ResultRef != "" {
		v.ResultRef = &job.ResultRef
	}
	if job.Error != nil {
		v.ErrorCode = &job.Error.Code
		v.ErrorMessage = &job.Error.Message
	}
	return v
}

// EventType はイベントストリーム上のメッセージ種別です。
type EventType string

const (
	EventState EventType = "state"
	EventLog   EventType = "log"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event は1つのジョブに対する観測可能な変化を表す不変メッセージです。
// 同一ジョブのイベントは発行順に全順序で届きます（単一プロデューサー）。
type Event struct {
	Type      EventType  `json:"type"`
	JobID     string     `json:"jobId"`
	State     State      `json:"state,omitempty"`
	Stage     string     `json:"stage,omitempty"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	ResultRef string     `json:"resultRef,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// TerminalEvent は終端イベントかどうかを返します。
func (e Event) TerminalEvent() bool {
	return e.Type == EventDone || e.Type == EventError
}

// stateEvent は現在のレコード内容から state イベントを構築します。
// 購読のリプレイと、終端後の合成リプレイの両方で使われます。
func stateEvent(job *Job) Event {
	switch {
	case job.State == StateDone:
		return Event{Type: EventDone, JobID: job.ID, State: job.State, Progress: job.Progress, ResultRef: job.ResultRef}
	case job.State == StateError:
		return Event{Type: EventError, JobID: job.ID, State: job.State, Progress: job.Progress, Error: job.Error}
	default:
		return Event{Type: EventState, JobID: job.ID, State: job.State, Stage: job.Stage, Progress: job.Progress}
	}
}
