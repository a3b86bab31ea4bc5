// Package main は単発キャプチャコマンドの実装です
//
// 使用方法:
//
//	capture [オプション] [camera_id] [output_file]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hitomi/internal/app"
	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/frameio"
	"hitomi/internal/timelapse"
)

// options はコマンドラインオプション
type options struct {
	app      app.Options
	timeout  time.Duration
	retries  int
	count    int
	interval time.Duration
	sheet    string
	video    string
	cameraID string
	output   string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags はコマンドラインを解析する
func parseFlags(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("capture", flag.ContinueOnError)
	fs.StringVar(&opts.app.ConfigPath, "config", "", "設定ファイルのパス (デフォルト: $HITOMI_CONFIG)")
	fs.StringVar(&opts.app.Driver, "driver", "", "取得ドライバー (v4l2, x11, synthetic)")
	fs.StringVar(&opts.app.LogLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "1枚あたりのキャプチャタイムアウト (デフォルト: 設定値)")
	fs.IntVar(&opts.retries, "retries", -1, "タイムアウト時の再試行回数 (デフォルト: 設定値)")
	fs.IntVar(&opts.count, "count", 1, "撮影枚数")
	fs.DurationVar(&opts.interval, "interval", 0, "複数枚撮影時の間隔 (デフォルト: 設定値)")
	fs.StringVar(&opts.sheet, "sheet", "", "複数枚撮影後に作るコンタクトシートの出力先")
	fs.StringVar(&opts.video, "video", "", "複数枚撮影後に作る動画の出力先 (ffmpegが必要)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "使用方法:")
		fmt.Fprintln(fs.Output(), "  capture [オプション] [camera_id] [output_file]")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "オプション:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.cameraID = fs.Arg(0)
	opts.output = fs.Arg(1)
	return opts, nil
}

// run は単発キャプチャまたはインターバル撮影を実行する
func run(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := app.Load(opts.app)
	if err != nil {
		return err
	}
	if opts.timeout > 0 {
		cfg.Camera.CaptureTimeout = opts.timeout
	}
	if opts.retries >= 0 {
		cfg.Camera.Retries = opts.retries
	}
	if opts.output == "" {
		opts.output = cfg.Output.DefaultFile
	}

	dir, err := app.Directory(cfg)
	if err != nil {
		return err
	}

	dev, err := selectCamera(ctx, dir, opts.cameraID, out)
	if errors.Is(err, camera.ErrNoDeviceDetected) {
		fmt.Fprintln(out, "No cameras detected.")
		return nil
	}
	if err != nil {
		return err
	}

	err = camera.WithSession(ctx, dir, dev, func(s *camera.Session) error {
		if opts.count > 1 {
			return captureSequence(ctx, cfg, opts, s, out)
		}
		return captureSingle(ctx, cfg, opts.output, s, out)
	})
	if errors.Is(err, camera.ErrCaptureTimeout) {
		fmt.Fprintln(out, "Error: Frame capture timed out.")
		fmt.Fprintln(out, "Check that camera is not in use by another application.")
		return nil
	}
	return err
}

// selectCamera はカメラを選ぶ。IDが空の場合は最初のカメラを使う
func selectCamera(ctx context.Context, dir *camera.Directory, id string, out io.Writer) (camera.Device, error) {
	dev, err := dir.Resolve(ctx, id)
	if err != nil {
		return camera.Device{}, err
	}
	if id == "" {
		fmt.Fprintf(out, "Using camera: %s\n", dev.ID)
	}
	return dev, nil
}

// captureSingle は1枚撮影してフレーム情報を表示し、保存する
func captureSingle(ctx context.Context, cfg *config.Config, output string, s *camera.Session, out io.Writer) error {
	frame, err := camera.CaptureWithRetry(ctx, s, cfg.Camera.CaptureTimeout, cfg.Camera.Retries)
	if err != nil {
		return err
	}

	printFrameInfo(out, frame)

	res, err := frameio.NewWriter().Save(frame, output)
	if err != nil {
		return err
	}
	printSaved(out, res, filepath.Ext(output))
	return nil
}

// captureSequence は count 枚を interval 間隔で撮影する
func captureSequence(ctx context.Context, cfg *config.Config, opts options, s *camera.Session, out io.Writer) error {
	tc := cfg.Timelapse
	tc.Count = opts.count
	if opts.interval > 0 {
		tc.Interval = opts.interval
	}
	tc.Dir = filepath.Dir(opts.output)
	tc.Pattern = filepath.Base(opts.output)
	tc.Timeout = cfg.Camera.CaptureTimeout
	tc.Retries = cfg.Camera.Retries
	if opts.sheet != "" {
		tc.Sheet = opts.sheet
	}
	if opts.video != "" {
		tc.Video = opts.video
	}

	seq := timelapse.NewSequence(tc, frameio.NewWriter())
	seq.OnShot(func(shot timelapse.Shot) {
		switch {
		case shot.Skipped:
			fmt.Fprintf(out, "[%d/%d] skipped: %s\n", shot.Index+1, tc.Count, shot.Error)
		case shot.Fallback:
			fmt.Fprintf(out, "[%d/%d] frame %d -> %s (fallback)\n", shot.Index+1, tc.Count, shot.FrameID, shot.Path)
		default:
			fmt.Fprintf(out, "[%d/%d] frame %d -> %s\n", shot.Index+1, tc.Count, shot.FrameID, shot.Path)
		}
	})

	summary, err := seq.Run(ctx, s)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(out, "\nStopping...")
		err = nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSequence Complete:")
	fmt.Fprintf(out, "  Captured:  %d\n", summary.Captured)
	fmt.Fprintf(out, "  Skipped:   %d\n", summary.Skipped)
	fmt.Fprintf(out, "  Duration:  %.2f seconds\n", summary.Elapsed.Seconds())
	if summary.Sheet != "" {
		fmt.Fprintf(out, "  Sheet:     %s\n", summary.Sheet)
	}
	if summary.Video != "" {
		fmt.Fprintf(out, "  Video:     %s\n", summary.Video)
	}
	return nil
}

// printFrameInfo はフレーム情報と配列の形を表示する
func printFrameInfo(out io.Writer, frame camera.Frame) {
	fmt.Fprintln(out, "\nFrame Information:")
	fmt.Fprintf(out, "  Width:        %d\n", frame.Width)
	fmt.Fprintf(out, "  Height:       %d\n", frame.Height)
	fmt.Fprintf(out, "  Pixel Format: %s\n", frame.PixelFormat)
	fmt.Fprintf(out, "  Frame ID:     %d\n", frame.ID)
	fmt.Fprintf(out, "  Timestamp:    %s\n", frame.Timestamp.Format(time.RFC3339Nano))

	layout := frameio.Layout(frame)
	fmt.Fprintf(out, "\nNumPy Array Shape: %s\n", layout.ShapeString())
	fmt.Fprintf(out, "Data Type: %s\n", layout.TypeName())
}

// printSaved は保存結果を表示する
func printSaved(out io.Writer, res frameio.Result, ext string) {
	if !res.Fallback {
		fmt.Fprintf(out, "\nImage saved to: %s (format: %s)\n", res.Path, res.Format)
		return
	}
	fmt.Fprintf(out, "\nNumPy array saved to: %s (format: %s)\n", res.Path, res.Format)
	fmt.Fprintf(out, "Install ffmpeg or build with -tags gocv to save as %s image file.\n", ext)
}
