package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(fmt.Sprintf("job-%d", i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if want := fmt.Sprintf("job-%d", i); id != want {
			t.Fatalf("Dequeue = %q, want %q", id, want)
		}
	}
}

func TestQueueSaturation(t *testing.T) {
	q := NewQueue(2)
	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("b"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// 満杯時はブロックせず即時拒否
	start := time.Now()
	err := q.Enqueue("c")
	if !errors.Is(err, ErrQueueSaturated) {
		t.Fatalf("Enqueue = %v, want ErrQueueSaturated", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("saturated Enqueue blocked")
	}

	// 1件取り出せば再び受け付ける
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Enqueue("c"); err != nil {
		t.Fatalf("Enqueue after drain: %v", err)
	}
}

func TestQueueDequeueCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Dequeue = %v, want context.Canceled", err)
	}
}
