// Package main は連続ストリーミングコマンドの実装です
//
// 使用方法:
//
//	stream [オプション] [camera_id] [duration_seconds]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hitomi/internal/app"
	"hitomi/internal/camera"
	"hitomi/internal/stream"
)

// options はコマンドラインオプション
type options struct {
	app      app.Options
	cameraID string
	duration time.Duration
	hasDur   bool
	rawDur   string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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

	fs := flag.NewFlagSet("stream", flag.ContinueOnError)
	fs.StringVar(&opts.app.ConfigPath, "config", "", "設定ファイルのパス (デフォルト: $HITOMI_CONFIG)")
	fs.StringVar(&opts.app.Driver, "driver", "", "取得ドライバー (v4l2, x11, synthetic)")
	fs.StringVar(&opts.app.LogLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	fs.StringVar(&opts.app.MQTTBroker, "mqtt", "", "統計を送出するMQTTブローカー (host:port)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "使用方法:")
		fmt.Fprintln(fs.Output(), "  stream [オプション] [camera_id] [duration_seconds]")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "オプション:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.cameraID = fs.Arg(0)
	if raw := fs.Arg(1); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			return opts, fmt.Errorf("無効な取得時間: %q", raw)
		}
		opts.duration = time.Duration(secs * float64(time.Second))
		opts.hasDur = true
		opts.rawDur = raw
	}
	return opts, nil
}

// run はストリーミングを実行し、終了時に最終統計を表示する
func run(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := app.Load(opts.app)
	if err != nil {
		return err
	}

	duration := cfg.Stream.DefaultDuration
	label := strconv.FormatFloat(duration.Seconds(), 'f', -1, 64)
	if opts.hasDur {
		duration = opts.duration
		label = opts.rawDur
	}

	dir, err := app.Directory(cfg)
	if err != nil {
		return err
	}

	dev, err := dir.Resolve(ctx, opts.cameraID)
	if errors.Is(err, camera.ErrNoDeviceDetected) {
		fmt.Fprintln(out, "No cameras detected.")
		return nil
	}
	if err != nil {
		return err
	}
	if opts.cameraID == "" {
		fmt.Fprintf(out, "Using camera: %s\n", dev.ID)
	}

	client, err := app.ConnectMQTT(cfg)
	if err != nil {
		// 統計の送出ができなくてもストリーミングは行う
		slog.Warn("stream: MQTTに接続できないため送出なしで続行します", "error", err)
		client = nil
	}
	if client != nil {
		defer client.Disconnect()
	}

	reporters := stream.MultiReporter{
		&interruptNotice{ctx: ctx, w: out},
		stream.NewConsoleReporter(out),
	}
	reporters = append(reporters, app.Reporters(cfg, client, dev)...)

	return camera.WithSession(ctx, dir, dev, func(s *camera.Session) error {
		ctrl := stream.NewController(s, append(cfg.StreamOptions(), stream.WithReporter(reporters))...)

		fmt.Fprintf(out, "\nStreaming for %s seconds...\n", label)
		fmt.Fprintln(out, "Press Ctrl+C to stop early.")
		fmt.Fprintln(out)

		_, err := ctrl.Run(ctx, duration, nil)
		if err != nil && ctx.Err() != nil {
			// 中断は最終統計を表示済みなので正常終了とする
			return nil
		}
		return err
	})
}

// interruptNotice は中断で終了した場合に最終統計の前に通知を表示する
type interruptNotice struct {
	ctx context.Context
	w   io.Writer
}

func (n *interruptNotice) Progress(stream.Stats) {}

func (n *interruptNotice) Final(stream.Stats) {
	if n.ctx.Err() != nil {
		fmt.Fprintln(n.w, "\nStopping...")
	}
}
