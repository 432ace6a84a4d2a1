package jobs

import (
	"errors"
	"fmt"
)

// エラー分類。HTTP層はこれらを errors.Is で安定したコードに変換します。
var (
	// ErrNotFound は未知のジョブIDを表します。
	ErrNotFound = errors.New("jobs: job not found")
	// ErrQueueSaturated は受付キューが満杯で投入を即時拒否したことを表します。
	ErrQueueSaturated = errors.New("jobs: queue saturated")
	// ErrNotReady は未完了のジョブへの成果物要求を表します。
	ErrNotReady = errors.New("jobs: result not ready")
	// ErrAlreadyTerminal は終了済みジョブへのキャンセル要求を表します。
	ErrAlreadyTerminal = errors.New("jobs: job already terminal")
	// ErrJobErrored は error 状態のジョブへの成果物要求を表します。
	// 詳細コードはジョブレコードの Error フィールドが持ちます。
	ErrJobErrored = errors.New("jobs: job terminated with error")
	// ErrConflict は投入済みIDの重複作成を表します。
	ErrConflict = errors.New("jobs: job already exists")
)

// ValidationError は投入リクエストの形が不正であることを表します。
// ジョブレコードが作られる前に同期的に返されます。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// JobFailedError は error 終端のジョブへの成果物要求を表し、ジョブレコードに
// 記録された (code, message) の組を運びます。errors.Is(err, ErrJobErrored) は
// 引き続き成立します。
type JobFailedError struct {
	Info ErrorInfo
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("jobs: job terminated with error: %s", e.Info.Code)
}

func (e *JobFailedError) Unwrap() error {
	return ErrJobErrored
}
