package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hitomi/internal/camera"
)

// Entry はManagerが管理する1つのストリーム
type Entry struct {
	ID        string        // ストリームの一意識別子
	Device    camera.Device // 対象デバイス
	SessionID string        // デバイスセッションのID
	StartedAt time.Time     // 開始時刻
	Duration  time.Duration // 時間制限（0は無期限）

	ctrl *Controller
	hub  *Broadcaster
	done chan struct{}
}

// Stats は現時点の統計を返す
func (e *Entry) Stats() Stats {
	return e.ctrl.Snapshot()
}

// State は現在の状態を返す
func (e *Entry) State() State {
	return e.ctrl.State()
}

// Subscribe は統計の配信を購読する
func (e *Entry) Subscribe() (<-chan Event, func()) {
	return e.hub.Subscribe()
}

// Done はセッションのクローズまで完了したときにクローズされる
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// DefaultRetention は終了したストリームを一覧に残す既定の時間
const DefaultRetention = 10 * time.Minute

// Manager はサーバーから開始されたストリームをIDで管理する
//
// 終了したストリームは保持時間が過ぎると一覧から取り除かれる。
type Manager struct {
	dir       *camera.Directory
	opts      []Option
	retention time.Duration

	entries map[string]*Entry
	mu      sync.RWMutex

	// 全ストリームの監視ループが従うコンテキスト
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager は新しいManagerを作成する
// optsは各ストリームのControllerに渡される
func NewManager(dir *camera.Directory, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dir:       dir,
		opts:      opts,
		retention: DefaultRetention,
		entries:   make(map[string]*Entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetRetention は終了したストリームを一覧に残す時間を設定する
// 0以下の場合は取り除かない。開始済みのストリームには影響しない。
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = d
}

// Start はデバイスをオープンしてストリーミングを開始する
//
// 開始に成功した時点で戻り、監視ループはバックグラウンドで実行される。
// ctxは解決とオープンにだけ使われる。
func (m *Manager) Start(ctx context.Context, deviceID string, duration time.Duration, reporters ...Reporter) (*Entry, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("マネージャーは停止済みです: %w", err)
	}

	dev, err := m.dir.Resolve(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	sess, err := m.dir.Open(ctx, dev)
	if err != nil {
		return nil, err
	}

	hub := NewBroadcaster()
	all := make(MultiReporter, 0, len(reporters)+1)
	all = append(all, reporters...)
	all = append(all, hub)

	opts := append(append([]Option{}, m.opts...), WithReporter(all))
	ctrl := NewController(sess, opts...)

	if err := ctrl.Start(nil); err != nil {
		if closeErr := sess.Close(); closeErr != nil {
			slog.Warn("stream: セッションのクローズに失敗", "device", dev.ID, "error", closeErr)
		}
		return nil, err
	}

	entry := &Entry{
		ID:        uuid.New().String(),
		Device:    dev,
		SessionID: sess.ID,
		StartedAt: ctrl.Counters().StartTime(),
		Duration:  duration,
		ctrl:      ctrl,
		hub:       hub,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.entries[entry.ID] = entry
	retention := m.retention
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitor(entry, sess, duration, retention)

	slog.Info("stream: ストリームを開始しました",
		"stream", entry.ID,
		"device", dev.ID,
		"session", sess.ID,
		"duration", duration,
	)
	return entry, nil
}

// monitor は監視ループを実行し、終了後にセッションをクローズする
func (m *Manager) monitor(entry *Entry, sess *camera.Session, duration, retention time.Duration) {
	defer m.wg.Done()
	defer close(entry.done)

	final, err := entry.ctrl.Monitor(m.ctx, duration)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("stream: ストリームの終了処理でエラー", "stream", entry.ID, "error", err)
	}

	if err := sess.Close(); err != nil {
		slog.Warn("stream: セッションのクローズに失敗", "stream", entry.ID, "error", err)
	}
	entry.hub.Close()

	slog.Info("stream: ストリームを終了しました",
		"stream", entry.ID,
		"frames", final.FrameCount,
		"fps", final.FPS,
	)

	if retention > 0 {
		time.AfterFunc(retention, func() { m.evict(entry) })
	}
}

// evict は保持時間が過ぎたストリームを一覧から取り除く
func (m *Manager) evict(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[entry.ID]; ok && cur == entry {
		delete(m.entries, entry.ID)
		slog.Debug("stream: 保持時間が過ぎたストリームを取り除きました", "stream", entry.ID)
	}
}

// Get は指定IDのストリームを返す
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	return entry, ok
}

// List は全ストリームを開始時刻順に返す
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
	return entries
}

// Stop は指定IDのストリームを停止し、最終統計を返す
// 停止済みのストリームに対しては同じ最終統計を返す
func (m *Manager) Stop(ctx context.Context, id string) (Stats, error) {
	entry, ok := m.Get(id)
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}

	final, err := entry.ctrl.Stop()
	if err != nil {
		return final, err
	}

	// セッションのクローズまで待つ
	select {
	case <-entry.done:
	case <-ctx.Done():
		return final, ctx.Err()
	}
	return final, nil
}

// Remove は停止済みのストリームを一覧から取り除く
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if entry.State() != StateStopped {
		return fmt.Errorf("ストリーム %s は実行中です", id)
	}
	delete(m.entries, id)
	return nil
}

// StopAll は全ストリームを停止し、セッションのクローズを待つ
func (m *Manager) StopAll(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ストリームの停止待ちがタイムアウト: %w", ctx.Err())
	}
}
