package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hitomi/internal/camera"
)

const (
	// DefaultPollInterval はポーリングループの待機間隔
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultReportInterval は途中経過を報告する間隔
	DefaultReportInterval = 5 * time.Second
)

// Clock は時刻の取得と待機を抽象化する
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock は実時間の時計
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option はControllerの設定を変更する
type Option func(*Controller)

// WithClock は時計を差し替える
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithPollInterval はポーリング間隔を設定する
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithReportInterval は報告間隔を設定する
func WithReportInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.reportInterval = d
		}
	}
}

// WithReporter は統計の報告先を設定する
func WithReporter(r Reporter) Option {
	return func(c *Controller) {
		if r != nil {
			c.reporter = r
		}
	}
}

// Controller は1つのストリーミングセッションの状態遷移と統計を管理する
type Controller struct {
	src            Source
	clock          Clock
	pollInterval   time.Duration
	reportInterval time.Duration
	reporter       Reporter

	counters Counters
	state    atomic.Int32
	final    atomic.Pointer[Stats]

	// 状態遷移を直列化する
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewController は新しいControllerを作成する
func NewController(src Source, opts ...Option) *Controller {
	c := &Controller{
		src:            src,
		clock:          realClock{},
		pollInterval:   DefaultPollInterval,
		reportInterval: DefaultReportInterval,
		reporter:       nopReporter{},
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State は現在の状態を返す
func (c *Controller) State() State {
	return State(c.state.Load())
}

// FrameCount は現在のフレーム数を返す
func (c *Controller) FrameCount() uint64 {
	return c.counters.Frames()
}

// Counters はカウンターを返す
func (c *Controller) Counters() *Counters {
	return &c.counters
}

// Done は停止時にクローズされるチャンネルを返す
func (c *Controller) Done() <-chan struct{} {
	return c.stopCh
}

// Start はIdleからStreamingへ遷移し、フレーム到着ハンドラーを登録する
//
// 登録されるハンドラーはフレームごとにカウンターを加算してからonFrameを呼ぶ。
// onFrameは取得側のゴルーチンで実行されるため、すぐに戻らなければならない。
// Stopは配信ゴルーチンの終了を待つので、onFrameの中から呼ぶとデッドロックする。
// 停止は別のゴルーチンから行うこと。
func (c *Controller) Start(onFrame camera.FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateIdle {
		return ErrAlreadyStarted
	}

	// 登録より前に開始時刻を記録する
	c.counters.markStart(c.clock.Now())

	handler := func(frame camera.Frame) {
		c.counters.Increment()
		if onFrame != nil {
			onFrame(frame)
		}
	}

	if err := c.src.StartStreaming(handler); err != nil {
		return fmt.Errorf("ストリーミングの開始に失敗: %w", err)
	}

	c.state.Store(int32(StateStreaming))
	slog.Debug("stream: ストリーミングを開始しました")
	return nil
}

// Stop はStreamingからStoppedへ遷移し、最終統計を返す
//
// ハンドラーの登録解除が完了してから戻る。2回目以降の呼び出しは何もせず
// 最初に計算した最終統計を返す。どのゴルーチンから呼んでもよい。
func (c *Controller) Stop() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateIdle:
		return Stats{}, ErrNotStarted
	case StateStopped:
		return *c.final.Load(), nil
	}

	stopErr := c.src.StopStreaming()

	final := c.counters.Sample(c.clock.Now())
	c.final.Store(&final)
	c.state.Store(int32(StateStopped))
	close(c.stopCh)

	slog.Debug("stream: ストリーミングを停止しました",
		"frames", final.FrameCount,
		"elapsed", final.Elapsed,
	)

	if stopErr != nil {
		return final, fmt.Errorf("ストリーミングの停止に失敗: %w", stopErr)
	}
	return final, nil
}

// Snapshot は現時点の統計を返す
// 停止後は最終統計を返す
func (c *Controller) Snapshot() Stats {
	if final := c.final.Load(); final != nil {
		return *final
	}
	if c.State() == StateIdle {
		return Stats{}
	}
	return c.counters.Sample(c.clock.Now())
}

// Run はストリーミングを開始し、durationが経過するか、ctxが終了するか、
// 外部からStopされるまでポーリングを続ける
//
// durationが0以下の場合は無期限に続ける。割り込みで終了した場合も最終統計を
// 報告し、ctx.Err()とともに返す。
func (c *Controller) Run(ctx context.Context, duration time.Duration, onFrame camera.FrameHandler) (Stats, error) {
	if err := c.Start(onFrame); err != nil {
		return Stats{}, err
	}
	return c.Monitor(ctx, duration)
}

// Monitor は開始済みのセッションのポーリングループを実行し、終了時にStopする
func (c *Controller) Monitor(ctx context.Context, duration time.Duration) (Stats, error) {
	start := c.counters.StartTime()
	var lastTick int64
	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-c.stopCh:
			break loop
		case <-c.clock.After(c.pollInterval):
		}

		now := c.clock.Now()
		elapsed := now.Sub(start)
		if duration > 0 && elapsed >= duration {
			break loop
		}

		// 経過時間のtickが進んだときだけ報告する
		// 時計が戻った場合や待機が長引いた場合も同じtickで二重に報告しない
		if tick := int64(elapsed / c.reportInterval); tick > lastTick {
			lastTick = tick
			c.reporter.Progress(c.counters.Sample(now))
		}
	}

	final, err := c.Stop()
	c.reporter.Final(final)

	if runErr != nil {
		return final, runErr
	}
	return final, err
}
