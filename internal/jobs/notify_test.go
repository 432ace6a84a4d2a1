package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

func newTestWebhookServer(t *testing.T) *WebhookServer {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewWebhookServer(asynq.RedisClientOpt{Addr: mr.Addr()}, 2*time.Second, zerolog.Nop())
}

func TestWebhookDeliver(t *testing.T) {
	var received atomic.Int32
	var lastBody webhookPayload
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		received.Add(1)
		if err := json.NewDecoder(req.Body).Decode(&lastBody); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	ws := newTestWebhookServer(t)
	payload, err := json.Marshal(webhookPayload{
		CallbackURL: target.URL,
		JobID:       "j1",
		State:       StateDone,
		ResultRef:   "j1.json",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	task := asynq.NewTask(taskTypeWebhook, payload)
	if err := ws.handleDeliver(context.Background(), task); err != nil {
		t.Fatalf("handleDeliver: %v", err)
	}
	if received.Load() != 1 {
		t.Fatalf("received %d deliveries, want 1", received.Load())
	}
	if lastBody.JobID != "j1" || lastBody.State != StateDone || lastBody.ResultRef != "j1.json" {
		t.Fatalf("delivered payload = %+v", lastBody)
	}
}

func TestWebhookDeliverRetriesOnServerError(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	ws := newTestWebhookServer(t)
	payload, _ := json.Marshal(webhookPayload{CallbackURL: target.URL, JobID: "j1", State: StateError})

	err := ws.handleDeliver(context.Background(), asynq.NewTask(taskTypeWebhook, payload))
	if err == nil {
		t.Fatal("handleDeliver = nil, want error to trigger retry")
	}
	// 再試行で直る見込みがあるので SkipRetry は付けない
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("handleDeliver = %v, should not skip retry on 5xx", err)
	}
}

func TestWebhookDeliverSkipsBadPayload(t *testing.T) {
	ws := newTestWebhookServer(t)

	err := ws.handleDeliver(context.Background(), asynq.NewTask(taskTypeWebhook, []byte("{broken")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("handleDeliver = %v, want SkipRetry for malformed payload", err)
	}

	payload, _ := json.Marshal(webhookPayload{CallbackURL: "://bad-url", JobID: "j1"})
	err = ws.handleDeliver(context.Background(), asynq.NewTask(taskTypeWebhook, payload))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("handleDeliver = %v, want SkipRetry for invalid callback url", err)
	}
}

func TestNotifyTerminalSkipsWithoutCallback(t *testing.T) {
	mr := miniredis.RunT(t)
	n := NewWebhookNotifier(asynq.RedisClientOpt{Addr: mr.Addr()}, zerolog.Nop())
	defer n.Close()

	// callbackUrl が無ければタスクを積まない
	n.NotifyTerminal(context.Background(), &Job{ID: "j1", State: StateDone})
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("redis keys after skip = %v, want none", keys)
	}

	n.NotifyTerminal(context.Background(), &Job{ID: "j1", State: StateDone, CallbackURL: "https://example.com/hook"})
	if keys := mr.Keys(); len(keys) == 0 {
		t.Fatal("no task enqueued for job with callback url")
	}
}
