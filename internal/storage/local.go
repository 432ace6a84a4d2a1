// Package storage はストレージ抽象化レイヤーを提供します。
// 現在はローカルファイルシステム実装のみで、GCS実装は今後の拡張ポイントです。
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	uploadsDir = "uploads"
	fetchedDir = "fetched"
	resultsDir = "results"
)

// Local はデータディレクトリ配下にファイルを保存するローカルストレージです。
type Local struct {
	root string
}

// NewLocal は root 配下に必要なサブディレクトリを作成してストレージを返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	for _, sub := range []string{uploadsDir, fetchedDir, resultsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s dir: %w", sub, err)
		}
	}
	return &Local{root: root}, nil
}

// SaveUpload はアップロードされたドキュメントを保存し、documentRef を返します。
// limit が正の場合、それを超えた時点で io.ErrUnexpectedEOF ではなく ErrTooLarge を返します。
func (l *Local) SaveUpload(r io.Reader, limit int64) (string, error) {
	ref := uuid.NewString() + ".pdf"
	path := filepath.Join(l.root, uploadsDir, ref)
	if err := writeLimited(path, r, limit); err != nil {
		return "", err
	}
	return ref, nil
}

// SaveFetched はリモートから取得したドキュメントを保存し、ローカルパスを返します。
func (l *Local) SaveFetched(r io.Reader, limit int64) (string, error) {
	path := filepath.Join(l.root, fetchedDir, uuid.NewString()+".pdf")
	if err := writeLimited(path, r, limit); err != nil {
		return "", err
	}
	return path, nil
}

// UploadPath は documentRef からローカルパスを解決します。
// ディレクトリトラバーサルを防ぐため、uploads 配下の単一ファイル名のみ許可します。
func (l *Local) UploadPath(ref string) (string, error) {
	clean := filepath.Base(filepath.Clean(ref))
	if clean == "" || clean == "." || clean == ".." || clean != ref {
		return "", fmt.Errorf("invalid document ref: %q", ref)
	}
	path := filepath.Join(l.root, uploadsDir, clean)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// SaveResult はジョブの成果物を保存し、resultRef を返します。
func (l *Local) SaveResult(jobID string, data []byte) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("jobID is required")
	}
	ref := jobID + ".json"
	path := filepath.Join(l.root, resultsDir, ref)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return ref, nil
}

// OpenResult は resultRef に対応する成果物を開きます。
func (l *Local) OpenResult(ref string) (*os.File, int64, error) {
	clean := filepath.Base(filepath.Clean(ref))
	if clean != ref || clean == "" || clean == "." {
		return nil, 0, fmt.Errorf("invalid result ref: %q", ref)
	}
	file, err := os.Open(filepath.Join(l.root, resultsDir, clean))
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// DeleteResult は resultRef に対応する成果物を削除します。存在しない場合は何もしません。
func (l *Local) DeleteResult(ref string) error {
	clean := filepath.Base(filepath.Clean(ref))
	if clean != ref || clean == "" || clean == "." {
		return fmt.Errorf("invalid result ref: %q", ref)
	}
	err := os.Remove(filepath.Join(l.root, resultsDir, clean))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep は olderThan より古い取得ファイル・成果物・アップロードを削除します。
// 終了済みジョブの保持期間満了後の後始末に使われます。
func (l *Local) Sweep(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	var firstErr error
	for _, sub := range []string{fetchedDir, resultsDir, uploadsDir} {
		entries, err := os.ReadDir(filepath.Join(l.root, sub))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || info.IsDir() {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(l.root, sub, entry.Name())); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func writeLimited(path string, r io.Reader, limit int64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	written, err := io.Copy(file, src)
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if limit > 0 && written > limit {
		_ = os.Remove(path)
		return ErrTooLarge
	}
	return nil
}
