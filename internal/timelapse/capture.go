package timelapse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"hitomi/internal/camera"
	"hitomi/internal/frameio"
)

// Sequence は一定間隔の単発キャプチャを繰り返して保存する
type Sequence struct {
	config   Config
	writer   *frameio.Writer
	composer *SheetComposer
	video    *VideoGenerator

	// 撮影ごとの通知先
	onShot func(Shot)
}

// NewSequence は新しいSequenceを作成する
func NewSequence(config Config, writer *frameio.Writer) *Sequence {
	defaults := DefaultConfig()
	if config.Count <= 0 {
		config.Count = defaults.Count
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Dir == "" {
		config.Dir = defaults.Dir
	}
	if config.Pattern == "" {
		config.Pattern = defaults.Pattern
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.FPS <= 0 {
		config.FPS = defaults.FPS
	}
	if config.Quality <= 0 {
		config.Quality = defaults.Quality
	}
	if writer == nil {
		writer = frameio.NewWriter()
	}

	return &Sequence{
		config:   config,
		writer:   writer,
		composer: NewSheetComposer(1280, 720),
		video:    NewVideoGenerator(),
	}
}

// OnShot は撮影ごとに呼ばれる関数を設定する
func (sq *Sequence) OnShot(fn func(Shot)) {
	sq.onShot = fn
}

// Config は現在の設定を返す
func (sq *Sequence) Config() Config {
	return sq.config
}

// Run はセッションから Count 枚を Interval 間隔で撮影する
//
// タイムアウトした撮影はスキップして続行する。ctxが終了した場合は
// それまでの結果とctx.Err()を返す。
func (sq *Sequence) Run(ctx context.Context, s *camera.Session) (Summary, error) {
	if err := os.MkdirAll(sq.config.Dir, 0755); err != nil {
		return Summary{}, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	start := time.Now()
	summary := Summary{Shots: make([]Shot, 0, sq.config.Count)}

	var frames []camera.Frame
	var images []string

	ticker := time.NewTicker(sq.config.Interval)
	defer ticker.Stop()

	for i := 0; i < sq.config.Count; i++ {
		// 最初の1枚はすぐに撮影する
		if i > 0 {
			select {
			case <-ctx.Done():
				summary.Elapsed = time.Since(start)
				return summary, ctx.Err()
			case <-ticker.C:
			}
		}

		shot, frame, err := sq.shoot(ctx, s, i)
		if err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}

		summary.Shots = append(summary.Shots, shot)
		if shot.Skipped {
			summary.Skipped++
		} else {
			summary.Captured++
			if sq.config.Sheet != "" {
				frames = append(frames, frame)
			}
			if !shot.Fallback {
				images = append(images, shot.Path)
			}
		}

		if sq.onShot != nil {
			sq.onShot(shot)
		}
	}

	summary.Elapsed = time.Since(start)

	if sq.config.Sheet != "" && len(frames) > 0 {
		path, err := sq.saveSheet(frames)
		if err != nil {
			slog.Warn("timelapse: コンタクトシートの作成に失敗", "error", err)
		} else {
			summary.Sheet = path
		}
	}

	if sq.config.Video != "" && len(images) > 0 {
		if err := sq.video.CreateVideo(ctx, sq.config.Video, images, sq.config.FPS, sq.config.Quality); err != nil {
			slog.Warn("timelapse: 動画の作成に失敗", "error", err)
		} else {
			summary.Video = sq.config.Video
		}
	}

	slog.Info("timelapse: インターバル撮影が完了しました",
		"captured", summary.Captured,
		"skipped", summary.Skipped,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

// shoot は1枚撮影して保存する
func (sq *Sequence) shoot(ctx context.Context, s *camera.Session, index int) (Shot, camera.Frame, error) {
	shot := Shot{Index: index}

	frame, err := camera.CaptureWithRetry(ctx, s, sq.config.Timeout, sq.config.Retries)
	if err != nil {
		if errors.Is(err, camera.ErrCaptureTimeout) {
			slog.Warn("timelapse: キャプチャがタイムアウトしたためスキップします",
				"index", index,
				"device", s.Device().ID,
			)
			shot.Skipped = true
			shot.Error = err.Error()
			return shot, camera.Frame{}, nil
		}
		return shot, camera.Frame{}, fmt.Errorf("%d枚目のキャプチャに失敗: %w", index+1, err)
	}

	res, err := sq.writer.Save(frame, sq.filename(index))
	if err != nil {
		return shot, camera.Frame{}, fmt.Errorf("%d枚目の保存に失敗: %w", index+1, err)
	}

	shot.FrameID = frame.ID
	shot.Timestamp = frame.Timestamp
	shot.Path = res.Path
	shot.Format = res.Format
	shot.Fallback = res.Fallback
	return shot, frame, nil
}

// indexVerb はファイル名パターン中の撮影番号の書式（%d, %04d など）
var indexVerb = regexp.MustCompile(`%0?[0-9]*d`)

// filename は撮影番号に対応する保存先を返す
//
// 番号の書式以外の % は文字としてそのまま扱う。
func (sq *Sequence) filename(index int) string {
	pattern := sq.config.Pattern

	loc := indexVerb.FindStringIndex(pattern)
	if loc == nil {
		// 番号の書式がない場合は拡張子の前に付ける
		ext := filepath.Ext(pattern)
		base := strings.TrimSuffix(pattern, ext)
		pattern = escapePercent(base) + "_%04d" + escapePercent(ext)
	} else {
		pattern = escapePercent(pattern[:loc[0]]) + pattern[loc[0]:loc[1]] + escapePercent(pattern[loc[1]:])
	}
	return filepath.Join(sq.config.Dir, fmt.Sprintf(pattern, index))
}

func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// saveSheet は撮影したフレームを1枚のコンタクトシートにまとめて保存する
func (sq *Sequence) saveSheet(frames []camera.Frame) (string, error) {
	sheet, err := sq.composer.Compose(frames)
	if err != nil {
		return "", err
	}

	res, err := sq.writer.Save(sheet, sq.config.Sheet)
	if err != nil {
		return "", err
	}
	return res.Path, nil
}
