package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// ステージ名。ジョブ基盤側のステージ表示と揃えています。
const (
	StageParsing    = "parsing"
	StageAnalyzing  = "analyzing"
	StageFinalizing = "finalizing"
)

// Inspector は pdfcpu によるドキュメント検査を行う参照実装です。
// 本来のモデル推論を担うアナライザーと同じ契約（ステージコールバック、
// 分類済みエラー）を満たすため、開発・テスト環境の差し替え先として使います。
type Inspector struct {
	now func() time.Time
}

// NewInspector は Inspector を作成します。
func NewInspector() *Inspector {
	return &Inspector{now: time.Now}
}

// Run はドキュメントを検証・検査し、セクション要約の成果物を生成します。
func (a *Inspector) Run(ctx context.Context, path string, cfg Config, report ReportFunc) (*Artifact, error) {
	if path == "" {
		return nil, Permanent("document-not-found", "解析対象のドキュメントが指定されていません。", nil)
	}
	if !ValidKind(cfg.Kind) {
		return nil, Permanent("invalid-analysis-kind", fmt.Sprintf("未対応の解析種別です: %s", cfg.Kind), nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, Permanent("document-not-found", "解析対象のドキュメントが見つかりませんでした。", err)
	}

	reportStage(report, StageParsing, 20)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := pdfapi.ValidateFile(path, nil); err != nil {
		return nil, Permanent("invalid-pdf", "PDFの解析に失敗しました。壊れている可能性があります。", err)
	}
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return nil, Permanent("invalid-pdf", "PDFのページ数取得に失敗しました。", err)
	}

	reportStage(report, StageAnalyzing, 40)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sections := buildSections(cfg, pages)
	reportStage(report, StageAnalyzing, 80)

	reportStage(report, StageFinalizing, 95)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Artifact{
		Kind:        cfg.Kind,
		GeneratedAt: a.now().UTC(),
		Document: DocumentInfo{
			Filename: filepath.Base(path),
			Size:     info.Size(),
			Pages:    pages,
		},
		Sections: sections,
	}, nil
}

func buildSections(cfg Config, pages int) []Section {
	overview := Section{
		Title:   "overview",
		Content: fmt.Sprintf("%dページのドキュメントを %s 解析しました。", pages, cfg.Kind),
	}

	var focus []Section
	switch cfg.Kind {
	case KindMethodology:
		focus = []Section{{Title: "methodology", Content: "手法セクションの抽出結果。"}}
	case KindResults:
		focus = []Section{{Title: "results", Content: "結果セクションの抽出結果。"}}
	case KindContextualization:
		focus = []Section{{Title: "contextualization", Content: "関連研究の位置付け。"}}
	default:
		focus = []Section{
			{Title: "methodology", Content: "手法セクションの抽出結果。"},
			{Title: "results", Content: "結果セクションの抽出結果。"},
			{Title: "contextualization", Content: "関連研究の位置付け。"},
		}
	}

	sections := append([]Section{overview}, focus...)
	if cfg.Query != "" {
		sections = append(sections, Section{
			Title:   "query",
			Content: fmt.Sprintf("クエリ「%s」に対する回答。", cfg.Query),
		})
	}
	return sections
}

func reportStage(report ReportFunc, stage string, percent int) {
	if report == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	report(stage, percent)
}
