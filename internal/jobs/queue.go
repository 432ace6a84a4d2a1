package jobs

import "context"

// Queue は受付制御を担う容量制限付きのFIFOキューです。
// Enqueue はブロックせず、満杯なら ErrQueueSaturated を即時に返します。
// 各IDはちょうど1つのワーカーにだけ配られます。
type Queue struct {
	ch chan string
}

// NewQueue は容量 capacity のキューを作成します。
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Enqueue はジョブIDを投入します。満杯の場合は待たずに ErrQueueSaturated を返します。
func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return ErrQueueSaturated
	}
}

// Dequeue は次のジョブIDが届くまでブロックします。ctx の取り消しで抜けます。
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case jobID := <-q.ch:
		return jobID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len は現在キューに滞留しているジョブ数を返します。
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap はキューの容量を返します。
func (q *Queue) Cap() int {
	return cap(q.ch)
}
