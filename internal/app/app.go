// Package app はコマンド共通の起動処理をまとめる
package app

import (
	"context"
	"fmt"
	"log/slog"

	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/logging"
	"hitomi/internal/server"
	"hitomi/internal/stream"
	"hitomi/internal/telemetry"
)

// Options はコマンドラインから渡される上書き設定
type Options struct {
	ConfigPath string // -config
	Driver     string // -driver
	LogLevel   string // -log-level
	MQTTBroker string // -mqtt
}

// Load は設定を読み込み、コマンドラインの値で上書きしてからログを初期化する
func Load(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.Driver != "" {
		cfg.Camera.Driver = opts.Driver
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.MQTTBroker != "" {
		cfg.MQTT.Broker = opts.MQTTBroker
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	if _, err := logging.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Directory は設定されたドライバーのデバイスディレクトリを作成する
func Directory(cfg *config.Config) (*camera.Directory, error) {
	dir, err := cfg.NewDirectory()
	if err != nil {
		return nil, err
	}
	slog.Debug("app: ドライバーを初期化しました", "driver", cfg.Camera.Driver)
	return dir, nil
}

// ConnectMQTT はブローカーが設定されていれば接続したクライアントを返す
// 設定されていない場合は nil を返す
func ConnectMQTT(cfg *config.Config) (*telemetry.Client, error) {
	if !cfg.MQTT.Enabled() {
		return nil, nil
	}
	client := telemetry.NewClient(cfg.MQTT)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

// Reporters はMQTTクライアントがあればデバイス用の報告先を返す
func Reporters(cfg *config.Config, client *telemetry.Client, dev camera.Device) []stream.Reporter {
	if client == nil {
		return nil
	}
	return []stream.Reporter{telemetry.NewMQTTReporter(client, cfg.MQTT, dev.ID)}
}

// Serve はHTTPサーバーを起動し、終了するまでブロックする
func Serve(ctx context.Context, cfg *config.Config) error {
	dir, err := Directory(cfg)
	if err != nil {
		return err
	}

	client, err := ConnectMQTT(cfg)
	if err != nil {
		slog.Warn("app: MQTTに接続できないため送出なしで続行します", "error", err)
		client = nil
	}
	if client != nil {
		defer client.Disconnect()
	}

	opts := []server.Option{
		server.WithReporters(func(dev camera.Device) []stream.Reporter {
			return Reporters(cfg, client, dev)
		}),
	}
	if client != nil {
		opts = append(opts, server.WithTelemetry(client.Stats))
	}
	srv := server.New(cfg, dir, opts...)

	slog.Info("app: サーバーを起動します", "addr", cfg.ServerAddress(), "driver", cfg.Camera.Driver)
	return srv.Start(ctx)
}
