// Package fetch はドキュメント参照・リモートURLをローカルファイルに解決します。
// サイズ上限・タイムアウト・Content-Type検証をアナライザー実行前に強制する
// コラボレーターで、失敗は分類済みエラーとして返します。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/paperwise/internal/analyzer"
	"github.com/yourusername/paperwise/internal/storage"
)

// Resolver はドキュメントの取得と検証を行います。
type Resolver struct {
	store   *storage.Local
	client  *http.Client
	allowed []string
	maxSize int64
}

// NewResolver は Resolver を作成します。allowed はサフィックス一致で照合する
// 許可ホストの一覧です（例: "arxiv.org" は "export.arxiv.org" も許可）。
func NewResolver(store *storage.Local, allowed []string, maxSize int64, timeout time.Duration) *Resolver {
	return &Resolver{
		store:   store,
		client:  &http.Client{Timeout: timeout},
		allowed: allowed,
		maxSize: maxSize,
	}
}

// Resolve は documentRef または remoteUrl をローカルのPDFファイルパスに解決します。
// どちらか一方だけが指定されている前提で、投入時の検証済み入力を受け取ります。
func (r *Resolver) Resolve(ctx context.Context, documentRef, remoteURL string) (string, error) {
	switch {
	case documentRef != "":
		path, err := r.store.UploadPath(documentRef)
		if err != nil {
			return "", analyzer.Permanent("document-not-found", "指定されたドキュメントが見つかりませんでした。", err)
		}
		return r.verifyPDF(path)
	case remoteURL != "":
		return r.fetchRemote(ctx, remoteURL)
	default:
		return "", analyzer.Permanent("validation-error", "ドキュメントの参照先が指定されていません。", nil)
	}
}

// ValidateURL は remoteUrl が https かつ許可ホストかを投入時点で検証します。
func ValidateURL(raw string, allowed []string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("URLの形式が不正です")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("https のURLのみ指定できます")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URLにホスト名が含まれていません")
	}
	if !hostAllowed(u.Hostname(), allowed) {
		return fmt.Errorf("許可されていないドメインです: %s", u.Hostname())
	}
	return nil
}

func (r *Resolver) fetchRemote(ctx context.Context, raw string) (string, error) {
	// 投入時にも検証済みだが、許可リストは実行時点の設定で再度強制する
	if err := ValidateURL(raw, r.allowed); err != nil {
		return "", analyzer.Permanent("domain-not-allowed", err.Error(), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", analyzer.Permanent("fetch-failed", "リモートURLのリクエスト生成に失敗しました。", err)
	}
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		// ネットワーク起因の失敗は再試行の余地がある
		return "", analyzer.Transient("fetch-failed", "リモートURLの取得に失敗しました。", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", analyzer.Transient("fetch-failed", fmt.Sprintf("リモートサーバーがエラーを返しました (status=%d)。", resp.StatusCode), nil)
	default:
		return "", analyzer.Permanent("fetch-failed", fmt.Sprintf("リモートURLからドキュメントを取得できませんでした (status=%d)。", resp.StatusCode), nil)
	}

	path, err := r.store.SaveFetched(resp.Body, r.maxSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return "", analyzer.Permanent("too-large", "ドキュメントのサイズが上限を超えています。", err)
		}
		return "", analyzer.Transient("fetch-failed", "取得したドキュメントの保存に失敗しました。", err)
	}

	return r.verifyPDF(path)
}

func (r *Resolver) verifyPDF(path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", analyzer.Permanent("not-pdf", "ドキュメントの内容を確認できませんでした。", err)
	}
	if !mtype.Is("application/pdf") {
		return "", analyzer.Permanent("not-pdf", fmt.Sprintf("PDF以外のコンテンツです (detected: %s)。", mtype.String()), nil)
	}
	return path, nil
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
