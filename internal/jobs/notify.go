package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	taskTypeWebhook = "webhook:deliver"
	webhookQueue    = "webhooks"
	webhookMaxRetry = 5
)

// Notifier は終端状態に達したジョブの外部通知を行います。
// 通知はベストエフォートで、失敗してもジョブの終端状態には影響しません。
type Notifier interface {
	NotifyTerminal(ctx context.Context, job *Job)
}

// NopNotifier は何もしない Notifier です。
type NopNotifier struct{}

// NotifyTerminal は何もしません。
func (NopNotifier) NotifyTerminal(context.Context, *Job) {}

// webhookPayload はコールバック先へ届ける終端ペイロードです。
type webhookPayload struct {
	CallbackURL  string `json:"callbackUrl"`
	JobID        string `json:"jobId"`
	State        State  `json:"state"`
	ResultRef    string `json:"resultRef,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// WebhookNotifier は終端通知を Asynq タスクとして投入します。
// 配送そのものは WebhookServer が再試行付きで行います。
type WebhookNotifier struct {
	client *asynq.Client
	log    zerolog.Logger
}

// NewWebhookNotifier は WebhookNotifier を作成します。
func NewWebhookNotifier(redisOpt asynq.RedisConnOpt, log zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client: asynq.NewClient(redisOpt),
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// NotifyTerminal は終端ペイロードの配送タスクを投入します。
// callbackUrl が未指定のジョブでは何もしません。投入失敗はログに残すだけです。
func (n *WebhookNotifier) NotifyTerminal(ctx context.Context, job *Job) {
	if job == nil || job.CallbackURL == "" {
		return
	}
	payload := webhookPayload{
		CallbackURL: job.CallbackURL,
		JobID:       job.ID,
		State:       job.State,
		ResultRef:   job.ResultRef,
	}
	if job.Error != nil {
		payload.ErrorCode = job.Error.Code
		payload.ErrorMessage = job.Error.Message
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error().Err(err).Str("job", job.ID).Msg("failed to encode webhook payload")
		return
	}

	task := asynq.NewTask(taskTypeWebhook, body, asynq.Queue(webhookQueue))
	if _, err := n.client.EnqueueContext(ctx, task, asynq.MaxRetry(webhookMaxRetry)); err != nil {
		n.log.Error().Err(err).Str("job", job.ID).Msg("failed to enqueue webhook delivery")
	}
}

// Close はクライアントを閉じます。
func (n *WebhookNotifier) Close() error {
	return n.client.Close()
}

// WebhookServer は配送タスクを処理する Asynq サーバーです。
// 再試行間隔にはワーカーと同じ RetryDelay を使います。
type WebhookServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	client *http.Client
	log    zerolog.Logger
}

// NewWebhookServer は WebhookServer を作成します。
func NewWebhookServer(redisOpt asynq.RedisConnOpt, timeout time.Duration, log zerolog.Logger) *WebhookServer {
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			webhookQueue: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return RetryDelay(n)
		},
	})

	s := &WebhookServer{
		server: server,
		mux:    asynq.NewServeMux(),
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "webhook-server").Logger(),
	}
	s.mux.HandleFunc(taskTypeWebhook, s.handleDeliver)
	return s
}

// Start はサーバーをバックグラウンドで起動します。
func (s *WebhookServer) Start() {
	go func() {
		if err := s.server.Run(s.mux); err != nil && err != asynq.ErrServerClosed {
			s.log.Error().Err(err).Msg("webhook server stopped with error")
		}
	}()
}

// Shutdown はサーバーを停止します。
func (s *WebhookServer) Shutdown() {
	s.server.Shutdown()
}

func (s *WebhookServer) handleDeliver(ctx context.Context, task *asynq.Task) error {
	var payload webhookPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// 壊れたペイロードは再試行しても直らない
		return fmt.Errorf("invalid webhook payload: %v: %w", err, asynq.SkipRetry)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.CallbackURL, bytes.NewReader(task.Payload()))
	if err != nil {
		return fmt.Errorf("invalid callback url: %v: %w", err, asynq.SkipRetry)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery rejected (status=%d)", resp.StatusCode)
	}

	s.log.Debug().Str("job", payload.JobID).Str("url", payload.CallbackURL).Msg("webhook delivered")
	return nil
}
