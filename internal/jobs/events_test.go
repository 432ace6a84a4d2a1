package jobs

import (
	"fmt"
	"testing"
	"time"
)

func stateEv(jobID string, progress int) Event {
	return Event{Type: EventState, JobID: jobID, State: StateProcessing, Stage: "analyzing", Progress: progress}
}

func TestEventBusBroadcastOrder(t *testing.T) {
	bus := NewEventBus(time.Second)
	a := bus.Subscribe("j1", nil)
	defer a.Close()
	b := bus.Subscribe("j1", nil)
	defer b.Close()

	for i := 1; i <= 5; i++ {
		bus.Publish("j1", stateEv("j1", i*10))
	}

	// 両購読者が同じ内容を同じ順序で受け取る
	for _, sub := range []*Subscription{a, b} {
		for i := 1; i <= 5; i++ {
			ev := <-sub.C
			if ev.Progress != i*10 {
				t.Fatalf("progress = %d, want %d", ev.Progress, i*10)
			}
		}
	}
}

func TestEventBusReplayToLateSubscriber(t *testing.T) {
	bus := NewEventBus(time.Second)
	first := bus.Subscribe("j1", nil)
	defer first.Close()

	for i := 1; i <= 3; i++ {
		bus.Publish("j1", stateEv("j1", i*10))
	}

	late := bus.Subscribe("j1", nil)
	defer late.Close()
	for i := 1; i <= 3; i++ {
		ev := <-late.C
		if ev.Progress != i*10 {
			t.Fatalf("replayed progress = %d, want %d", ev.Progress, i*10)
		}
	}
}

func TestEventBusReplayKeepsRecentOnly(t *testing.T) {
	bus := NewEventBus(time.Second)
	for i := 1; i <= replaySize+4; i++ {
		bus.Publish("j1", stateEv("j1", i))
	}

	sub := bus.Subscribe("j1", nil)
	defer sub.Close()

	ev := <-sub.C
	if ev.Progress != 5 {
		t.Fatalf("first replayed progress = %d, want %d", ev.Progress, 5)
	}
}

func TestEventBusSeedOnlyWithoutHistory(t *testing.T) {
	bus := NewEventBus(time.Second)
	seed := stateEv("j1", 42)

	sub := bus.Subscribe("j1", &seed)
	defer sub.Close()
	if ev := <-sub.C; ev.Progress != 42 {
		t.Fatalf("seed progress = %d, want 42", ev.Progress)
	}

	// 履歴がある場合は seed ではなく履歴を再生する
	bus.Publish("j2", stateEv("j2", 10))
	sub2 := bus.Subscribe("j2", &seed)
	defer sub2.Close()
	if ev := <-sub2.C; ev.JobID != "j2" || ev.Progress != 10 {
		t.Fatalf("got %+v, want replayed history", ev)
	}
}

func TestEventBusTerminalClosesSubscribers(t *testing.T) {
	bus := NewEventBus(20 * time.Millisecond)
	sub := bus.Subscribe("j1", nil)

	bus.Publish("j1", Event{Type: EventDone, JobID: "j1", State: StateDone, Progress: 100})

	ev, ok := <-sub.C
	if !ok || ev.Type != EventDone {
		t.Fatalf("got (%+v, %v), want done event", ev, ok)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open after terminal event")
	}

	// 終端後の publish は無視される
	bus.Publish("j1", stateEv("j1", 99))

	// 猶予期間内の購読は終端イベントをリプレイで受け取る
	late := bus.Subscribe("j1", nil)
	gotDone := false
	for ev := range late.C {
		if ev.Type == EventDone {
			gotDone = true
		}
	}
	if !gotDone {
		t.Fatal("late subscriber within grace did not receive terminal event")
	}

	// 猶予期間後はトピックが破棄される
	deadline := time.Now().Add(time.Second)
	for bus.Active("j1") {
		if time.Now().After(deadline) {
			t.Fatal("topic not dropped after grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventBusDisconnectsSlowSubscriber(t *testing.T) {
	bus := NewEventBus(time.Second)
	slow := bus.Subscribe("j1", nil)
	fast := bus.Subscribe("j1", nil)
	defer fast.Close()

	// slow は一切読まない。バッファが溢れた時点で切断される
	for i := 0; i < subBuffer+1; i++ {
		bus.Publish("j1", stateEv("j1", i))
		// fast は読み続ける
		<-fast.C
	}

	drained := 0
	for range slow.C {
		drained++
	}
	if drained != subBuffer {
		t.Fatalf("slow subscriber drained %d events, want %d then close", drained, subBuffer)
	}

	// 残った購読者には影響しない
	bus.Publish("j1", stateEv("j1", 77))
	if ev := <-fast.C; ev.Progress != 77 {
		t.Fatalf("fast subscriber got %+v after slow disconnect", ev)
	}
}

func TestEventBusUnsubscribeCleansIdleTopic(t *testing.T) {
	bus := NewEventBus(time.Second)
	sub := bus.Subscribe("j1", nil)
	if !bus.Active("j1") {
		t.Fatal("topic should exist while subscribed")
	}
	sub.Close()
	if bus.Active("j1") {
		t.Fatal("idle topic should be dropped after last unsubscribe")
	}
}

func TestClosedSubscription(t *testing.T) {
	events := []Event{stateEv("j1", 100), {Type: EventDone, JobID: "j1", State: StateDone, Progress: 100}}
	sub := closedSubscription(events...)
	defer sub.Close()

	var got []Event
	for ev := range sub.C {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[1].Type != EventDone {
		t.Fatalf("last event = %s, want done", got[1].Type)
	}
	if fmt.Sprintf("%v", got[0].Type) != "state" {
		t.Fatalf("first event = %s, want state", got[0].Type)
	}
}
