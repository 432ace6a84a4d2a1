package jobs

import (
	"testing"
	"time"
)

func TestSourceValidate(t *testing.T) {
	if err := (Source{DocumentRef: "a.pdf"}).Validate(); err != nil {
		t.Errorf("documentRef only: %v", err)
	}
	if err := (Source{RemoteURL: "https://arxiv.org/x.pdf"}).Validate(); err != nil {
		t.Errorf("remoteUrl only: %v", err)
	}
	if err := (Source{}).Validate(); err == nil {
		t.Error("empty source: want error")
	}
	if err := (Source{DocumentRef: "a.pdf", RemoteURL: "https://arxiv.org/x.pdf"}).Validate(); err == nil {
		t.Error("both refs: want error")
	}
	if err := (Source{DocumentRef: "   "}).Validate(); err == nil {
		t.Error("whitespace-only ref: want error")
	}
}

func TestStateTerminal(t *testing.T) {
	for state, want := range map[State]bool{
		StateQueued:     false,
		StateProcessing: false,
		StateDone:       true,
		StateError:      true,
	} {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestViewOf(t *testing.T) {
	now := time.Now()
	job := &Job{ID: "j1", State: StateProcessing, Stage: "analyzing", Progress: 40, CreatedAt: now, UpdatedAt: now}

	v := ViewOf(job)
	if v.Stage == nil || *v.Stage != "analyzing" {
		t.Fatalf("view stage = %v", v.Stage)
	}
	// 未使用フィールドは null で返る
	if v.ErrorCode != nil || v.ErrorMessage != nil || v.ResultRef != nil {
		t.Fatalf("unused fields not nil: %+v", v)
	}

	job.State = StateError
	job.Error = &ErrorInfo{Code: "timeout", Message: "時間切れです。"}
	v = ViewOf(job)
	if v.ErrorCode == nil || *v.ErrorCode != "timeout" {
		t.Fatalf("error code = %v", v.ErrorCode)
	}
}

func TestStateEventSynthesis(t *testing.T) {
	job := &Job{ID: "j1", State: StateProcessing, Stage: "analyzing", Progress: 40}
	if ev := stateEvent(job); ev.Type != EventState || ev.Stage != "analyzing" {
		t.Fatalf("processing event = %+v", ev)
	}

	job.State = StateDone
	job.Progress = 100
	job.ResultRef = "j1.json"
	if ev := stateEvent(job); ev.Type != EventDone || ev.ResultRef != "j1.json" {
		t.Fatalf("done event = %+v", ev)
	}

	job.State = StateError
	job.Error = &ErrorInfo{Code: "worker-lost"}
	if ev := stateEvent(job); ev.Type != EventError || ev.Error == nil || ev.Error.Code != "worker-lost" {
		t.Fatalf("error event = %+v", ev)
	}
}
