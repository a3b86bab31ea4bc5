package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hitomi/internal/camera"
	"hitomi/internal/telemetry"
)

// clearEnv はテスト中だけ上書き用の環境変数を空にする
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvConfigPath, "SERVER_HOST", "PORT", "HITOMI_DRIVER", "HITOMI_LOG_LEVEL", "HITOMI_MQTT_BROKER"} {
		t.Setenv(key, "")
	}
}

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// カメラ設定の検証
	if cfg.Camera.Driver != "v4l2" {
		t.Errorf("デフォルトドライバーが違います: %s", cfg.Camera.Driver)
	}
	if cfg.Camera.CaptureTimeout != 2*time.Second {
		t.Errorf("キャプチャタイムアウトが違います: %v", cfg.Camera.CaptureTimeout)
	}

	// ストリーミング設定の検証
	if cfg.Stream.PollInterval != 100*time.Millisecond {
		t.Errorf("ポーリング間隔が違います: %v", cfg.Stream.PollInterval)
	}
	if cfg.Stream.ReportInterval != 5*time.Second {
		t.Errorf("報告間隔が違います: %v", cfg.Stream.ReportInterval)
	}
	if cfg.Stream.DefaultDuration != 10*time.Second {
		t.Errorf("取得時間が違います: %v", cfg.Stream.DefaultDuration)
	}
	if cfg.Stream.Retention != 10*time.Minute {
		t.Errorf("保持時間が違います: %v", cfg.Stream.Retention)
	}
	if cfg.Output.DefaultFile != "captured_frame.png" {
		t.Errorf("既定の保存先が違います: %s", cfg.Output.DefaultFile)
	}
	if cfg.MQTT.Enabled() {
		t.Error("MQTTはデフォルトで無効であるべきです")
	}
}

// TestLoadFile はYAMLファイルの読み込みをテストする
func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "hitomi.yaml")
	content := `
server:
  port: 9090
camera:
  driver: synthetic
  capture_timeout: 500ms
  devices:
    - id: sim0
      fps: 60
      width: 320
      height: 240
      pixel_format: RGB8
    - id: stalled
      stall: true
stream:
  report_interval: 1s
mqtt:
  broker: localhost:1883
  encoding: msgpack
log:
  level: debug
  format: json
timelapse:
  count: 5
  interval: 3s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("ポートが反映されていません: %d", cfg.Server.Port)
	}
	// ファイルにない値はデフォルトのまま
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("ホストのデフォルト値が失われています: %s", cfg.Server.Host)
	}
	if cfg.Camera.Driver != "synthetic" || cfg.Camera.CaptureTimeout != 500*time.Millisecond {
		t.Errorf("カメラ設定が反映されていません: %+v", cfg.Camera)
	}
	if len(cfg.Camera.Devices) != 2 {
		t.Fatalf("デバイス数が違います: %d", len(cfg.Camera.Devices))
	}
	if d := cfg.Camera.Devices[0]; d.ID != "sim0" || d.FPS != 60 || d.PixelFormat != camera.PixelFormatRGB8 {
		t.Errorf("デバイス設定が違います: %+v", d)
	}
	if !cfg.Camera.Devices[1].Stall {
		t.Error("stall が反映されていません")
	}
	if cfg.Stream.ReportInterval != time.Second || cfg.Stream.PollInterval != 100*time.Millisecond {
		t.Errorf("ストリーミング設定が違います: %+v", cfg.Stream)
	}
	if cfg.MQTT.Broker != "localhost:1883" || cfg.MQTT.Encoding != telemetry.EncodingMsgpack {
		t.Errorf("MQTT設定が違います: %+v", cfg.MQTT)
	}
	if cfg.MQTT.TopicPrefix != "hitomi" {
		t.Errorf("トピックのデフォルト値が失われています: %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("ログ設定が違います: %+v", cfg.Log)
	}
	if cfg.Timelapse.Count != 5 || cfg.Timelapse.Interval != 3*time.Second {
		t.Errorf("インターバル撮影の設定が違います: %+v", cfg.Timelapse)
	}

	dir, err := cfg.NewDirectory()
	if err != nil {
		t.Fatalf("ディレクトリの作成に失敗しました: %v", err)
	}
	if dir.Driver().Name() != "synthetic" {
		t.Errorf("ドライバーが違います: %s", dir.Driver().Name())
	}
}

// TestLoadFileErrors は読み込みエラーをテストする
func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("存在しないファイルでエラーが期待されました")
	}

	broken := filepath.Join(t.TempDir(), "broken.yaml")
	_ = os.WriteFile(broken, []byte("server: [1, 2"), 0644)
	if _, err := Load(broken); err == nil {
		t.Error("壊れたYAMLでエラーが期待されました")
	}

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	_ = os.WriteFile(invalid, []byte("camera:\n  driver: gige\n"), 0644)
	if _, err := Load(invalid); err == nil {
		t.Error("未対応ドライバーでエラーが期待されました")
	}
}

// TestConfigPathFromEnv は HITOMI_CONFIG からの読み込みをテストする
func TestConfigPathFromEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "env.yaml")
	_ = os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0644)
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("HITOMI_CONFIG が反映されていません: %d", cfg.Server.Port)
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(*Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(*Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "未対応のドライバー",
			modify:    func(c *Config) { c.Camera.Driver = "gige" },
			expectErr: true,
		},
		{
			name:      "合成ドライバー",
			modify:    func(c *Config) { c.Camera.Driver = "synthetic" },
			expectErr: false,
		},
		{
			name:      "負の再試行回数",
			modify:    func(c *Config) { c.Camera.Retries = -1 },
			expectErr: true,
		},
		{
			name:      "ポーリング間隔なし",
			modify:    func(c *Config) { c.Stream.PollInterval = 0 },
			expectErr: true,
		},
		{
			name:      "報告間隔なし",
			modify:    func(c *Config) { c.Stream.ReportInterval = 0 },
			expectErr: true,
		},
		{
			name:      "負の保持時間",
			modify:    func(c *Config) { c.Stream.Retention = -time.Second },
			expectErr: true,
		},
		{
			name:      "無効なMQTTエンコード",
			modify:    func(c *Config) { c.MQTT.Encoding = "xml" },
			expectErr: true,
		},
		{
			name:      "無効なログレベル",
			modify:    func(c *Config) { c.Log.Level = "loud" },
			expectErr: true,
		},
		{
			name:      "無効なログ形式",
			modify:    func(c *Config) { c.Log.Format = "xml" },
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
// 注意: このテストは環境変数を変更するため、parallelは使わない
func TestEnvironmentVariables(t *testing.T) {
	clearEnv(t)

	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("HITOMI_DRIVER", "synthetic")
	t.Setenv("HITOMI_LOG_LEVEL", "warn")
	t.Setenv("HITOMI_MQTT_BROKER", "broker:1883")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Camera.Driver != "synthetic" {
		t.Errorf("環境変数のドライバーが反映されていません: %s", cfg.Camera.Driver)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("環境変数のログレベルが反映されていません: %s", cfg.Log.Level)
	}
	if !cfg.MQTT.Enabled() || cfg.MQTT.Broker != "broker:1883" {
		t.Errorf("環境変数のブローカーが反映されていません: %s", cfg.MQTT.Broker)
	}
}
