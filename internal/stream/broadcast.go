package stream

import (
	"log/slog"
	"sync"
)

// subscriberBuffer は購読者ごとのチャンネルのバッファ数
const subscriberBuffer = 16

// EventType は配信イベントの種類
type EventType string

const (
	EventProgress EventType = "progress" // 途中経過
	EventFinal    EventType = "final"    // 最終統計
)

// Event は購読者に配信される統計
type Event struct {
	Type  EventType    `json:"type" msgpack:"type"`
	Stats StatsPayload `json:"stats" msgpack:"stats"`
}

// Broadcaster は統計を複数の購読者に配る Reporter
//
// 購読者の受信が遅れている場合はそのイベントを捨てる。
// 取得側の処理を購読者が止めることはない。
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	final  *Event
	closed bool
}

// NewBroadcaster は新しいBroadcasterを作成する
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Event),
	}
}

// Subscribe は購読を開始し、受信チャンネルと解除関数を返す
//
// 終了後に購読した場合は最終統計だけを受け取り、チャンネルはすぐに閉じられる。
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		if b.final != nil {
			ch <- *b.final
		}
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Subscribers は現在の購読者数を返す
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Progress は途中経過を配信する
func (b *Broadcaster) Progress(stats Stats) {
	b.publish(Event{Type: EventProgress, Stats: stats.Payload()})
}

// Final は最終統計を配信し、全ての購読を終了する
//
// 途中経過と違い最終統計は捨てない。バッファが埋まっている購読者には
// 最も古いイベントを1件捨てて空きを作ってから送る。
func (b *Broadcaster) Final(stats Stats) {
	ev := Event{Type: EventFinal, Stats: stats.Payload()}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		for sent := false; !sent; {
			select {
			case ch <- ev:
				sent = true
			default:
				select {
				case old := <-ch:
					slog.Debug("stream: 最終統計のために古いイベントを破棄しました",
						"subscriber", id,
						"type", old.Type,
					)
				default:
				}
			}
		}
	}
	b.final = &ev
	b.closeLocked()
}

// Close は全ての購読を終了する
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Broadcaster) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("stream: 購読者の受信が遅れているためイベントを破棄しました",
				"subscriber", id,
				"type", ev.Type,
			)
		}
	}
}
