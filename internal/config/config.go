package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hitomi/internal/camera"
	"hitomi/internal/logging"
	"hitomi/internal/stream"
	"hitomi/internal/telemetry"
	"hitomi/internal/timelapse"
)

// EnvConfigPath は設定ファイルのパスを指定する環境変数
const EnvConfigPath = "HITOMI_CONFIG"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Camera    CameraConfig     `yaml:"camera"`
	Stream    StreamConfig     `yaml:"stream"`
	Output    OutputConfig     `yaml:"output"`
	MQTT      telemetry.Config `yaml:"mqtt"`
	Log       LogConfig        `yaml:"log"`
	Timelapse timelapse.Config `yaml:"timelapse"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 終了時の待ち時間
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Driver  string `yaml:"driver"`  // v4l2, x11, synthetic
	Display string `yaml:"display"` // x11ドライバーのディスプレイ

	// 合成ドライバーのデバイス一覧
	Devices []camera.SyntheticDevice `yaml:"devices"`

	// デフォルト設定
	DefaultFPS    int `yaml:"default_fps"`    // フレームレート (fps)
	DefaultWidth  int `yaml:"default_width"`  // 画像幅
	DefaultHeight int `yaml:"default_height"` // 画像高さ

	CaptureTimeout time.Duration `yaml:"capture_timeout"` // 単発キャプチャのタイムアウト
	Retries        int           `yaml:"retries"`         // タイムアウト時の再試行回数
}

// StreamConfig はストリーミングの設定
type StreamConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`    // 監視ループの間隔
	ReportInterval  time.Duration `yaml:"report_interval"`  // 途中経過の報告間隔
	DefaultDuration time.Duration `yaml:"default_duration"` // 既定の取得時間
	Retention       time.Duration `yaml:"retention"`        // 終了したストリームを一覧に残す時間（0は残し続ける）
}

// OutputConfig は保存先の設定
type OutputConfig struct {
	DefaultFile string `yaml:"default_file"` // 単発キャプチャの既定の保存先
}

// LogConfig はログの設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 10 * time.Second,
		},
		Camera: CameraConfig{
			Driver:         "v4l2",
			Display:        ":0.0",
			Devices:        []camera.SyntheticDevice{},
			DefaultFPS:     30,
			DefaultWidth:   1280,
			DefaultHeight:  720,
			CaptureTimeout: camera.DefaultCaptureTimeout,
		},
		Stream: StreamConfig{
			PollInterval:    stream.DefaultPollInterval,
			ReportInterval:  stream.DefaultReportInterval,
			DefaultDuration: 10 * time.Second,
			Retention:       stream.DefaultRetention,
		},
		Output: OutputConfig{
			DefaultFile: "captured_frame.png",
		},
		MQTT: telemetry.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Timelapse: timelapse.DefaultConfig(),
	}
}

// Load は設定を読み込む
//
// path が空の場合は HITOMI_CONFIG を参照し、それも空ならデフォルト値を使う。
// ファイルの値の後に環境変数で上書きする。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile はYAMLファイルの値でデフォルト値を上書きする
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Driver = getEnvOrDefault("HITOMI_DRIVER", c.Camera.Driver)
	c.Log.Level = getEnvOrDefault("HITOMI_LOG_LEVEL", c.Log.Level)
	c.MQTT.Broker = getEnvOrDefault("HITOMI_MQTT_BROKER", c.MQTT.Broker)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// カメラ設定の検証
	supported := false
	for _, name := range camera.NewDriverFactory().SupportedDrivers() {
		if name == c.Camera.Driver {
			supported = true
			break
		}
	}
	if !supported {
		errs = append(errs, fmt.Errorf("サポートされていないドライバー: %q", c.Camera.Driver))
	}
	if c.Camera.DefaultFPS < 0 || c.Camera.DefaultWidth < 0 || c.Camera.DefaultHeight < 0 {
		errs = append(errs, fmt.Errorf("カメラのデフォルト値が負です"))
	}
	if c.Camera.CaptureTimeout < 0 || c.Camera.Retries < 0 {
		errs = append(errs, fmt.Errorf("キャプチャのタイムアウトまたは再試行回数が負です"))
	}

	// ストリーミング設定の検証
	if c.Stream.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("無効なポーリング間隔: %v", c.Stream.PollInterval))
	}
	if c.Stream.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("無効な報告間隔: %v", c.Stream.ReportInterval))
	}
	if c.Stream.DefaultDuration < 0 {
		errs = append(errs, fmt.Errorf("無効な取得時間: %v", c.Stream.DefaultDuration))
	}
	if c.Stream.Retention < 0 {
		errs = append(errs, fmt.Errorf("無効な保持時間: %v", c.Stream.Retention))
	}

	if err := c.MQTT.Validate(); err != nil {
		errs = append(errs, err)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("不明なログ形式: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DriverConfig はカメラドライバー作成用の設定を返す
func (c *Config) DriverConfig() camera.DriverConfig {
	return camera.DriverConfig{
		Width:     c.Camera.DefaultWidth,
		Height:    c.Camera.DefaultHeight,
		FPS:       c.Camera.DefaultFPS,
		Display:   c.Camera.Display,
		Synthetic: c.Camera.Devices,
	}
}

// NewDirectory は設定されたドライバーでデバイスディレクトリを作成する
func (c *Config) NewDirectory() (*camera.Directory, error) {
	driver, err := camera.NewDriverFactory().Create(c.Camera.Driver, c.DriverConfig())
	if err != nil {
		return nil, err
	}
	return camera.NewDirectory(driver), nil
}

// StreamOptions はストリーミング制御の設定を返す
func (c *Config) StreamOptions() []stream.Option {
	return []stream.Option{
		stream.WithPollInterval(c.Stream.PollInterval),
		stream.WithReportInterval(c.Stream.ReportInterval),
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
