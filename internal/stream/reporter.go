package stream

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Reporter は統計の報告先
type Reporter interface {
	// Progress は途中経過を報告する
	Progress(stats Stats)

	// Final は終了時の最終統計を報告する
	Final(stats Stats)
}

// nopReporter は何もしない
type nopReporter struct{}

func (nopReporter) Progress(Stats) {}
func (nopReporter) Final(Stats)    {}

// ConsoleReporter は人が読む形式で出力する
type ConsoleReporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewConsoleReporter は新しいConsoleReporterを作成する
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

// Progress は途中経過を1行で出力する
func (r *ConsoleReporter) Progress(stats Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.w, "Elapsed: %.1fs, Frames: %d, FPS: %.2f\n",
		stats.ElapsedSeconds(), stats.FrameCount, stats.FPS)
}

// Final は最終統計をまとめて出力する
func (r *ConsoleReporter) Final(stats Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "Capture Complete:")
	fmt.Fprintf(r.w, "  Duration:  %.2f seconds\n", stats.ElapsedSeconds())
	fmt.Fprintf(r.w, "  Frames:    %d\n", stats.FrameCount)
	fmt.Fprintf(r.w, "  Avg FPS:   %.2f\n", stats.FPS)
}

// LogReporter は構造化ログとして出力する
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter は新しいLogReporterを作成する
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

// Progress は途中経過をログに記録する
func (r *LogReporter) Progress(stats Stats) {
	r.logger.Info("stream: progress",
		"elapsed_s", stats.ElapsedSeconds(),
		"frames", stats.FrameCount,
		"fps", stats.FPS,
	)
}

// Final は最終統計をログに記録する
func (r *LogReporter) Final(stats Stats) {
	r.logger.Info("stream: complete",
		"duration_s", stats.ElapsedSeconds(),
		"frames", stats.FrameCount,
		"avg_fps", stats.FPS,
	)
}

// MultiReporter は複数の報告先にまとめて報告する
type MultiReporter []Reporter

// Progress は全ての報告先に途中経過を渡す
func (m MultiReporter) Progress(stats Stats) {
	for _, r := range m {
		if r != nil {
			r.Progress(stats)
		}
	}
}

// Final は全ての報告先に最終統計を渡す
func (m MultiReporter) Final(stats Stats) {
	for _, r := range m {
		if r != nil {
			r.Final(stats)
		}
	}
}
