package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultCaptureTimeout は単発キャプチャの既定タイムアウト
const DefaultCaptureTimeout = 2 * time.Second

// Capture はセッションに1回だけ取得要求を出し、フレームが届くかtimeoutが
// 経過するまで呼び出し元をブロックする
//
// timeout が経過した場合は ErrCaptureTimeout を返し、フレームは返さない。
// どちらの場合も戻った時点で次の Capture をすぐに実行できる。
func Capture(ctx context.Context, s *Session, timeout time.Duration) (Frame, error) {
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}

	captureCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	frame, err := s.acquire(captureCtx)
	// 親コンテキストのキャンセルはタイムアウトではない
	if ctx.Err() != nil {
		return Frame{}, ctx.Err()
	}
	// 期限を過ぎて届いたフレームは返さない
	if err == nil && captureCtx.Err() != nil {
		err = ErrCaptureTimeout
	}
	if err != nil {
		if errors.Is(err, ErrCaptureTimeout) || errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("camera: キャプチャがタイムアウトしました",
				"device", s.device.ID,
				"timeout", timeout,
				"waited", time.Since(start),
			)
			return Frame{}, fmt.Errorf("%w: %s (%v)", ErrCaptureTimeout, s.device.ID, timeout)
		}
		return Frame{}, err
	}

	// ドライバーが埋めなかったメタデータを補完する
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if frame.TraceID == "" {
		frame.TraceID = uuid.New().String()
	}

	slog.Debug("camera: フレームを取得しました",
		"device", s.device.ID,
		"frame_id", frame.ID,
		"size", len(frame.Data),
		"trace_id", frame.TraceID,
	)
	return frame, nil
}

// CaptureWithRetry はタイムアウトした場合に限り最大retries回まで再試行する
func CaptureWithRetry(ctx context.Context, s *Session, timeout time.Duration, retries int) (Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		frame, err := Capture(ctx, s, timeout)
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, ErrCaptureTimeout) {
			return Frame{}, err
		}
		lastErr = err
		if attempt < retries {
			slog.Info("camera: キャプチャを再試行します", "device", s.device.ID, "attempt", attempt+1, "retries", retries)
		}
	}
	return Frame{}, lastErr
}
