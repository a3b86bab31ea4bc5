package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"hitomi/internal/camera"
)

var (
	// ErrAlreadyStarted はIdle以外の状態でStartを呼んだことを示す
	ErrAlreadyStarted = errors.New("ストリーミングは既に開始されています")

	// ErrNotStarted は一度も開始していないセッションをStopしたことを示す
	ErrNotStarted = errors.New("ストリーミングは開始されていません")

	// ErrStreamNotFound は指定IDのストリームが存在しないことを示す
	ErrStreamNotFound = errors.New("ストリームが見つかりません")
)

// State はストリーミングの状態
type State int32

const (
	StateIdle      State = iota // 初期状態
	StateStreaming              // ストリーミング中
	StateStopped                // 停止済み（終端）
)

// String は状態名を返す
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source はフレーム到着ハンドラーの登録・解除を提供する
// camera.Session が実装する
type Source interface {
	StartStreaming(handler camera.FrameHandler) error
	StopStreaming() error
}

// Stats はある時点での統計のスナップショット
type Stats struct {
	Elapsed    time.Duration // 開始からの経過時間
	FrameCount uint64        // 配信されたフレーム数
	FPS        float64       // 平均フレームレート
}

// ElapsedSeconds は経過時間を秒で返す
func (s Stats) ElapsedSeconds() float64 {
	return s.Elapsed.Seconds()
}

// ComputeStats はフレーム数と経過時間から統計を計算する
// 経過時間が0以下の場合のFPSは0とする
func ComputeStats(frames uint64, elapsed time.Duration) Stats {
	stats := Stats{
		Elapsed:    elapsed,
		FrameCount: frames,
	}
	if elapsed > 0 {
		stats.FPS = float64(frames) / elapsed.Seconds()
	}
	return stats
}

// StatsPayload はJSON/msgpackで送出する統計の形式
type StatsPayload struct {
	ElapsedSeconds float64 `json:"elapsed_seconds" msgpack:"elapsed_seconds"`
	FrameCount     uint64  `json:"frame_count" msgpack:"frame_count"`
	FPS            float64 `json:"fps" msgpack:"fps"`
}

// Payload は送出用の形式に変換する
func (s Stats) Payload() StatsPayload {
	return StatsPayload{
		ElapsedSeconds: s.ElapsedSeconds(),
		FrameCount:     s.FrameCount,
		FPS:            s.FPS,
	}
}

// Counters はコールバック側とポーリング側で共有されるカウンター
type Counters struct {
	frames atomic.Uint64

	mu         sync.RWMutex
	startTime  time.Time
	lastSample time.Time
}

// Increment はフレーム数を1加算して新しい値を返す
func (c *Counters) Increment() uint64 {
	return c.frames.Add(1)
}

// Frames は現在のフレーム数を返す
func (c *Counters) Frames() uint64 {
	return c.frames.Load()
}

// StartTime は開始時刻を返す
func (c *Counters) StartTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTime
}

// LastSample は最後に統計を計算した時刻を返す
func (c *Counters) LastSample() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSample
}

// markStart は開始時刻を記録する（一度だけ呼ばれる）
func (c *Counters) markStart(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = now
	c.lastSample = now
}

// Sample はnow時点の統計を計算する
func (c *Counters) Sample(now time.Time) Stats {
	frames := c.frames.Load()

	c.mu.Lock()
	c.lastSample = now
	start := c.startTime
	c.mu.Unlock()

	return ComputeStats(frames, now.Sub(start))
}
