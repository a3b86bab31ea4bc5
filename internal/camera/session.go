package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session は1台のデバイスを専有するオープン中のセッション
type Session struct {
	ID       string    // セッションの一意識別子
	OpenedAt time.Time // オープンした時刻

	device Device
	dir    *Directory
	handle Handle

	mu        sync.Mutex
	streaming bool
	acquiring bool
	closed    bool

	// 実行中の単発取得（Closeで待機する）
	inflight sync.WaitGroup
}

// newSession は未オープンのセッションを作成する
func newSession(dir *Directory, dev Device) *Session {
	return &Session{
		ID:       uuid.New().String(),
		OpenedAt: time.Now(),
		device:   dev,
		dir:      dir,
	}
}

// Device はセッションが専有するデバイスを返す
func (s *Session) Device() Device {
	return s.device
}

// IsStreaming はストリーミング中かどうかを返す
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// StartStreaming は連続取得を開始し、handlerをフレーム到着ごとに呼び出す
func (s *Session) StartStreaming(handler FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.streaming {
		return fmt.Errorf("%w: %s", ErrSessionStreaming, s.device.ID)
	}
	if s.acquiring {
		return fmt.Errorf("カメラ %s は単発キャプチャ中です", s.device.ID)
	}

	if err := s.handle.StartStreaming(handler); err != nil {
		return fmt.Errorf("カメラ %s のストリーミング開始に失敗: %w", s.device.ID, err)
	}

	s.streaming = true
	return nil
}

// StopStreaming は連続取得を停止する
// ストリーミング中でなければ何もしない
func (s *Session) StopStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopStreamingLocked()
}

// stopStreamingLocked はロック取得済みの前提で連続取得を停止する
func (s *Session) stopStreamingLocked() error {
	if !s.streaming {
		return nil
	}

	// 失敗してもハンドラーの登録は解除されたものとして扱う
	s.streaming = false
	if err := s.handle.StopStreaming(); err != nil {
		return fmt.Errorf("カメラ %s のストリーミング停止に失敗: %w", s.device.ID, err)
	}
	return nil
}

// acquire はドライバーに1フレームを要求する
func (s *Session) acquire(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrSessionClosed
	}
	if s.streaming {
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: %s", ErrSessionStreaming, s.device.ID)
	}
	if s.acquiring {
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("カメラ %s は単発キャプチャ中です", s.device.ID)
	}
	s.acquiring = true
	s.inflight.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.acquiring = false
		s.mu.Unlock()
		s.inflight.Done()
	}()

	return s.handle.Acquire(ctx)
}

// Close はセッションを閉じてデバイスを解放する
// 複数回呼び出しても安全
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.stopStreamingLocked(); err != nil {
		errs = append(errs, err)
	}
	s.mu.Unlock()

	// 実行中の単発取得の終了を待機（タイムアウトで必ず戻る）
	s.inflight.Wait()

	if err := s.handle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("カメラ %s のクローズに失敗: %w", s.device.ID, err))
	}

	// エラーの有無にかかわらず予約は解除する
	s.dir.release(s.device.ID)

	slog.Debug("camera: セッションを閉じました", "device", s.device.ID, "session", s.ID)
	return errors.Join(errs...)
}

// WithSession はデバイスを開いてfnを実行し、どの経路で抜けても必ずセッションを閉じる
func WithSession(ctx context.Context, dir *Directory, dev Device, fn func(*Session) error) (err error) {
	s, err := dir.Open(ctx, dev)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := s.Close(); cerr != nil {
			slog.Warn("camera: セッションのクローズに失敗しました", "device", dev.ID, "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	return fn(s)
}
