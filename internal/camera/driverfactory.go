package camera

import (
	"fmt"
	"sort"
)

// DriverConfig はドライバー作成時の設定
type DriverConfig struct {
	Width     int               // 要求する幅
	Height    int               // 要求する高さ
	FPS       int               // 要求するフレームレート
	Display   string            // X11ディスプレイ
	Synthetic []SyntheticDevice // 合成ドライバーのデバイス一覧
}

// DriverCreator はドライバー作成関数の型
type DriverCreator func(cfg DriverConfig) (Driver, error)

// DriverFactory は名前からドライバーを作成するファクトリー
type DriverFactory struct {
	creators map[string]DriverCreator
}

// NewDriverFactory は標準ドライバーを登録済みのファクトリーを作成する
func NewDriverFactory() *DriverFactory {
	factory := &DriverFactory{
		creators: make(map[string]DriverCreator),
	}

	// V4L2ドライバーの作成関数を登録
	factory.Register("v4l2", func(cfg DriverConfig) (Driver, error) {
		return NewV4L2Driver(cfg.Width, cfg.Height), nil
	})

	// 画面キャプチャドライバーの作成関数を登録
	factory.Register("x11", func(cfg DriverConfig) (Driver, error) {
		return NewX11Driver(cfg.Display, cfg.Width, cfg.Height, cfg.FPS), nil
	})

	// 合成ドライバーの作成関数を登録
	factory.Register("synthetic", func(cfg DriverConfig) (Driver, error) {
		devices := cfg.Synthetic
		if len(devices) == 0 {
			// 設定がない場合は1台だけ用意する
			devices = []SyntheticDevice{{ID: "sim0", FPS: 30, Width: cfg.Width, Height: cfg.Height}}
		}
		return NewSyntheticDriver(devices...), nil
	})

	return factory
}

// Register はドライバー作成関数を登録する
func (f *DriverFactory) Register(name string, creator DriverCreator) {
	f.creators[name] = creator
}

// Create はドライバーを作成する
func (f *DriverFactory) Create(name string, cfg DriverConfig) (Driver, error) {
	creator, exists := f.creators[name]
	if !exists {
		return nil, fmt.Errorf("サポートされていないドライバー: %s", name)
	}

	return creator(cfg)
}

// SupportedDrivers はサポートされているドライバー名を返す
func (f *DriverFactory) SupportedDrivers() []string {
	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
