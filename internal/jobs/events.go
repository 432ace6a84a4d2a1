package jobs

import (
	"sync"
	"time"
)

const (
	// replaySize は新規購読者へ再生する直近イベント数の上限です。
	replaySize = 16
	// subBuffer は購読者ごとのチャネル容量です。リプレイ分を含めて
	// 収まるように replaySize より十分大きくしています。
	subBuffer = 64
)

// EventBus はジョブ単位のブロードキャストチャネルです。
// チャネルは最初の publish / subscribe で遅延生成され、終端イベントの
// 配送後に猶予期間を置いて破棄されます。購読者ごとに独立した
// チャネルへ配送するブロードキャストで、競合消費ではありません。
type EventBus struct {
	mu     sync.Mutex
	topics map[string]*busTopic
	grace  time.Duration
}

type busTopic struct {
	subs   map[int]chan Event
	nextID int
	// recent は遅れて接続した購読者に再生する直近イベントのリングです。
	// イベントは正準データではなく、真実はジョブレコードが持ちます。
	recent []Event
	closed bool
}

// NewEventBus は EventBus を作成します。grace は終端イベント後に
// チャネルを維持する猶予です。
func NewEventBus(grace time.Duration) *EventBus {
	return &EventBus{
		topics: make(map[string]*busTopic),
		grace:  grace,
	}
}

// Publish はジョブのイベントを全購読者へ配送します。
// 終端イベントの配送後は購読チャネルを閉じ、猶予期間後にトピックを
// 破棄します。終端後の publish は何もしません（終端イベントは
// ジョブごとにちょうど1回だけ発行されます）。
func (b *EventBus) Publish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(jobID)
	if t.closed {
		return
	}

	t.remember(ev)
	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// 追いつけない購読者は切断する。再接続すればリプレイで復帰でき、
			// ポーリング経路は常に無傷で残る。
			close(ch)
			delete(t.subs, id)
		}
	}

	if ev.TerminalEvent() {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		time.AfterFunc(b.grace, func() {
			b.drop(jobID)
		})
	}
}

// Subscribe はジョブのイベントストリームへ接続します。
// 既知の直近イベントがあれば先に再生し、なければ seed（現在のレコードから
// 合成した state イベント）を最初に届けます。返り値の Close は呼び出し側の
// 切断用で、ジョブ自体には影響しません。
func (b *EventBus) Subscribe(jobID string, seed *Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(jobID)
	ch := make(chan Event, subBuffer)

	if len(t.recent) == 0 && seed != nil {
		ch <- *seed
	}
	for _, ev := range t.recent {
		ch <- ev
	}

	if t.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	return &Subscription{
		C:      ch,
		cancel: func() { b.unsubscribe(jobID, id) },
	}
}

// Active は jobID のトピックが残っているかどうかを返します。
// 終端後の猶予期間が過ぎたジョブではストアからの合成リプレイに
// フォールバックするために使います。
func (b *EventBus) Active(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[jobID]
	return ok
}

func (b *EventBus) topic(jobID string) *busTopic {
	t, ok := b.topics[jobID]
	if !ok {
		t = &busTopic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}
	return t
}

func (b *EventBus) unsubscribe(jobID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	ch, ok := t.subs[id]
	if !ok {
		return
	}
	delete(t.subs, id)
	close(ch)

	// 誰も見ておらず何も起きていないトピックは捨てる
	if !t.closed && len(t.subs) == 0 && len(t.recent) == 0 {
		delete(b.topics, jobID)
	}
}

func (b *EventBus) drop(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[jobID]; ok && t.closed {
		delete(b.topics, jobID)
	}
}

func (t *busTopic) remember(ev Event) {
	t.recent = append(t.recent, ev)
	if len(t.recent) > replaySize {
		t.recent = t.recent[len(t.recent)-replaySize:]
	}
}

// Subscription は1つの購読を表します。C はイベントの到着順に閉じられるまで
// 読み出せます。
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close は購読を終了します。複数回呼んでも安全です。
func (s *Subscription) Close() {
	s.cancel()
}

// closedSubscription は与えたイベントを再生してすぐ閉じる購読を作ります。
// 終端後にトピックが破棄されたジョブへの購読に使います。
func closedSubscription(events ...Event) *Subscription {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &Subscription{C: ch, cancel: func() {}}
}
