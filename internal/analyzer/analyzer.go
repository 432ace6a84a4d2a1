// Package analyzer はドキュメント解析を行う外部コラボレーターの境界を定義します。
// ジョブ基盤からは run(source, config, stageCallback) の形だけが見え、
// 失敗は transient / permanent に分類されたエラーとして返されます。
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AnalysisKind は解析の種別を表します。
type AnalysisKind string

const (
	KindComprehensive     AnalysisKind = "comprehensive"
	KindMethodology       AnalysisKind = "methodology"
	KindResults           AnalysisKind = "results"
	KindContextualization AnalysisKind = "contextualization"
)

// ValidKind は解析種別が既知のものかどうかを返します。
func ValidKind(k AnalysisKind) bool {
	switch k {
	case KindComprehensive, KindMethodology, KindResults, KindContextualization:
		return true
	}
	return false
}

// ReportFunc はアナライザーがステージ進行を同期的に通知するコールバックです。
// percent は 0〜100 の範囲で、呼び出し側が単調非減少に丸めます。
type ReportFunc func(stage string, percent int)

// Config はアナライザーへ渡す解析設定です。
type Config struct {
	Kind  AnalysisKind `json:"kind"`
	Query string       `json:"query,omitempty"`
}

// Artifact は解析の最終成果物です。
type Artifact struct {
	Kind        AnalysisKind `json:"kind"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Document    DocumentInfo `json:"document"`
	Sections    []Section    `json:"sections"`
}

// DocumentInfo は解析対象ドキュメントの基本メタデータです。
type DocumentInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Pages    int    `json:"pages"`
}

// Section は成果物を構成する1セクションです。
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Analyzer は長時間かかるドキュメント解析を実行します。
// report はステージ境界ごとに同期的に呼ばれます。
type Analyzer interface {
	Run(ctx context.Context, path string, cfg Config, report ReportFunc) (*Artifact, error)
}

// ErrorKind はエラーの再試行可否分類です。
type ErrorKind string

const (
	ErrKindTransient ErrorKind = "transient"
	ErrKindPermanent ErrorKind = "permanent"
)

// Error は分類済みのアナライザーエラーを表します。
// Code は機械可読なエラーコード、Message は利用者向けメッセージです。
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient は再試行可能なエラーを作成します。
func Transient(code, message string, err error) *Error {
	return &Error{Kind: ErrKindTransient, Code: code, Message: message, Err: err}
}

// Permanent は再試行しても回復しないエラーを作成します。
func Permanent(code, message string, err error) *Error {
	return &Error{Kind: ErrKindPermanent, Code: code, Message: message, Err: err}
}

// IsTransient は err が再試行可能な分類かどうかを返します。
// 分類されていないエラーは安全側に倒して transient として扱います。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Kind == ErrKindTransient
	}
	return true
}

// Classify は err から (code, message) を取り出します。
// 分類されていないエラーには fallbackCode を割り当てます。
func Classify(err error, fallbackCode string) (string, string) {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Code, aerr.Message
	}
	return fallbackCode, err.Error()
}
