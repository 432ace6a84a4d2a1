package jobs

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/yourusername/paperwise/internal/analyzer"
	"github.com/yourusername/paperwise/internal/storage"
)

// submitRequest は POST /api/v1/analyses のリクエストボディです。
type submitRequest struct {
	DocumentRef string `json:"documentRef"`
	RemoteURL   string `json:"remoteUrl"`
	Kind        string `json:"analysisKind"`
	Query       string `json:"query"`
	CallbackURL string `json:"callbackUrl"`
}

// SubmitHandler は POST /api/v1/analyses のハンドラーを返します。
// limiter は投入レートの上限で、超過分はキューに触れる前に 429 で弾きます。
func SubmitHandler(svc *Service, limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "rate-limited",
				"message": "リクエストが多すぎます。しばらく待ってから再試行してください。",
			})
			return
		}

		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "validation-error",
				"message": "リクエストボディの形式が不正です。",
			})
			return
		}

		view, err := svc.Submit(c.Request.Context(), SubmitInput{
			Source:      Source{DocumentRef: req.DocumentRef, RemoteURL: req.RemoteURL},
			Kind:        analyzer.AnalysisKind(req.Kind),
			Query:       req.Query,
			CallbackURL: req.CallbackURL,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, view)
	}
}

// StatusHandler は GET /api/v1/analyses/:id のハンドラーを返します。
func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// EventsHandler は GET /api/v1/analyses/:id/events のハンドラーを返します。
// ジョブのイベントを Server-Sent Events として流し、終端イベントの後に
// ストリームを閉じます。終端済みジョブでは終端イベント 1 件だけを流します。
func EventsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := svc.Subscribe(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-store")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case ev, ok := <-sub.C:
				if !ok {
					return false
				}
				c.SSEvent(string(ev.Type), ev)
				return !ev.TerminalEvent()
			}
		})
	}
}

// ResultHandler は GET /api/v1/analyses/:id/result のハンドラーを返します。
func ResultHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, size, err := svc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, size, "application/json", file, nil)
	}
}

// CancelHandler は DELETE /api/v1/analyses/:id のハンドラーを返します。
func CancelHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "cancelRequested": true})
	}
}

// UploadHandler は POST /api/v1/upload のハンドラーを返します。
// PDF をローカルストアに保存し、投入時に使う documentRef を返します。
func UploadHandler(store *storage.Local, maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "validation-error",
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}

		src, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "validation-error",
				"message": "アップロードされたファイルを読み込めませんでした。",
			})
			return
		}
		defer src.Close()

		ref, err := store.SaveUpload(src, maxSize)
		if err != nil {
			respondWithError(c, err)
			return
		}

		path, err := store.UploadPath(ref)
		if err != nil {
			respondWithError(c, err)
			return
		}
		mtype, err := mimetype.DetectFile(path)
		if err != nil || !mtype.Is("application/pdf") {
			os.Remove(path)
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "not-pdf",
				"message": "PDFファイルのみアップロードできます。",
			})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"documentRef": ref,
			"filename":    fileHeader.Filename,
		})
	}
}

// respondWithError はサービス層のエラーを HTTP レスポンスへ写像します。
func respondWithError(c *gin.Context, err error) {
	var verr *ValidationError
	var ferr *JobFailedError
	switch {
	case errors.As(err, &ferr):
		// 失敗終端のジョブはレコードに記録された (code, message) をそのまま返す
		c.JSON(http.StatusGone, gin.H{
			"code":    ferr.Info.Code,
			"message": ferr.Info.Message,
		})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "validation-error",
			"message": verr.Message,
		})
	case errors.Is(err, ErrQueueSaturated):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "queue-saturated",
			"message": "解析キューが混み合っています。しばらく待ってから再試行してください。",
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "not-found",
			"message": "指定されたジョブが見つかりません。",
		})
	case errors.Is(err, ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "not-ready",
			"message": "解析がまだ完了していません。",
		})
	case errors.Is(err, ErrJobErrored):
		c.JSON(http.StatusGone, gin.H{
			"code":    "job-errored",
			"message": "解析は失敗しました。結果はありません。",
		})
	case errors.Is(err, ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "already-terminal",
			"message": "ジョブは既に終了しています。",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "conflict",
			"message": "ジョブの状態が競合しています。もう一度お試しください。",
		})
	case errors.Is(err, storage.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "too-large",
			"message": "ファイルサイズが上限を超えています。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "internal-error",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
