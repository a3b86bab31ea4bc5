package timelapse

import (
	"time"
)

// Shot は1回分の撮影結果
type Shot struct {
	Index     int       `json:"index"`           // 0始まりの撮影番号
	FrameID   uint64    `json:"frame_id"`        // 取得したフレームのID
	Timestamp time.Time `json:"timestamp"`       // 取得時刻
	Path      string    `json:"path"`            // 保存先
	Format    string    `json:"format"`          // 保存形式
	Fallback  bool      `json:"fallback"`        // 配列形式で保存したか
	Skipped   bool      `json:"skipped"`         // タイムアウトでスキップしたか
	Error     string    `json:"error,omitempty"` // スキップの理由
}

// Summary は撮影シーケンス全体の結果
type Summary struct {
	Shots    []Shot        `json:"shots"`
	Captured int           `json:"captured"`        // 保存できた枚数
	Skipped  int           `json:"skipped"`         // スキップした枚数
	Elapsed  time.Duration `json:"elapsed"`         // 所要時間
	Sheet    string        `json:"sheet,omitempty"` // コンタクトシートのパス
	Video    string        `json:"video,omitempty"` // 動画のパス
}

// Config はインターバル撮影の設定
type Config struct {
	Count    int           `yaml:"count"`    // 撮影枚数
	Interval time.Duration `yaml:"interval"` // 撮影間隔
	Dir      string        `yaml:"dir"`      // 出力ディレクトリ
	Pattern  string        `yaml:"pattern"`  // ファイル名のパターン（%04d を撮影番号に置き換える）
	Timeout  time.Duration `yaml:"timeout"`  // 1枚あたりのキャプチャタイムアウト
	Retries  int           `yaml:"retries"`  // タイムアウト時の再試行回数

	// 撮影後の後処理
	Sheet   string `yaml:"sheet"`   // コンタクトシートの出力先（空なら作らない）
	Video   string `yaml:"video"`   // 動画の出力先（空なら作らない）
	FPS     int    `yaml:"fps"`     // 動画のフレームレート
	Quality int    `yaml:"quality"` // 品質 (1-5)
}

// DefaultConfig はデフォルトのインターバル撮影設定を返す
func DefaultConfig() Config {
	return Config{
		Count:    1,
		Interval: 2 * time.Second,
		Dir:      ".",
		Pattern:  "frame_%04d.png",
		Timeout:  2 * time.Second,
		FPS:      30,
		Quality:  3,
	}
}
