package camera

import (
	"context"
	"fmt"
	"time"
)

// PixelFormat はフレームの画素フォーマットを表すタグ
type PixelFormat string

const (
	PixelFormatMono8  PixelFormat = "Mono8"  // 8bitグレースケール
	PixelFormatMono16 PixelFormat = "Mono16" // 16bitグレースケール（リトルエンディアン）
	PixelFormatRGB8   PixelFormat = "RGB8"   // RGBインターリーブ
	PixelFormatBGR8   PixelFormat = "BGR8"   // BGRインターリーブ
	PixelFormatRGBA8  PixelFormat = "RGBA8"  // RGBAインターリーブ
	PixelFormatYUYV   PixelFormat = "YUYV"   // YUV 4:2:2 パック形式
	PixelFormatMJPEG  PixelFormat = "MJPEG"  // JPEG圧縮済み
)

// BytesPerPixel は1画素あたりのバイト数を返す
// 圧縮フォーマットや不明なフォーマットの場合は0を返す
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatMono8:
		return 1
	case PixelFormatMono16, PixelFormatYUYV:
		return 2
	case PixelFormatRGB8, PixelFormatBGR8:
		return 3
	case PixelFormatRGBA8:
		return 4
	default:
		return 0
	}
}

// Channels はチャンネル数を返す
func (p PixelFormat) Channels() int {
	switch p {
	case PixelFormatMono8, PixelFormatMono16:
		return 1
	case PixelFormatRGB8, PixelFormatBGR8:
		return 3
	case PixelFormatRGBA8:
		return 4
	default:
		return 0
	}
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int // 幅
	Height int // 高さ
}

// String は "1280x720" 形式の文字列を返す
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Capabilities はデバイスがサポートする機能（コアからは不透明）
type Capabilities struct {
	Formats     []string     // サポートされるフォーマット
	Resolutions []Resolution // サポートされる解像度
}

// Device は列挙で得られたカメラデバイス
// 列挙時に生成され、以後変更されない
type Device struct {
	ID           string       // 識別子（例: video0, sim0）
	Name         string       // 表示名
	Path         string       // デバイスパス（例: /dev/video0）
	Driver       string       // 取得ドライバー名
	Capabilities Capabilities // 機能情報
}

// Frame は1枚の画像と取得時のメタデータ
//
// Data は呼び出し側が専有するコピーで、デバイス内部バッファとは共有しない。
// ストリーミングのハンドラーに渡されたフレームはハンドラー復帰後に
// 再利用される可能性があるため、保持する場合は Clone すること。
type Frame struct {
	ID          uint64      // 単調増加するフレーム番号
	Width       int         // 幅（ピクセル）
	Height      int         // 高さ（ピクセル）
	PixelFormat PixelFormat // 画素フォーマット
	Timestamp   time.Time   // 取得時刻
	TraceID     string      // トレース用の一意ID
	Data        []byte      // 生の画素データ
}

// Clone はデータを含めたフレームの複製を返す
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// FrameHandler はストリーミング中にフレームごとに呼び出されるコールバック
// 取得サブシステム側のゴルーチンで実行されるため、重い処理をしてはならない
//
// StopStreaming はハンドラーの終了を待つため、ハンドラーの中から
// ストリーミングを停止してはならない。停止は別のゴルーチンから行う。
type FrameHandler func(Frame)

// Driver は取得サブシステム（デバイスの列挙とオープン）を抽象化する
type Driver interface {
	// Name はドライバー名を返す
	Name() string

	// Scan は利用可能なデバイスを列挙する
	Scan(ctx context.Context) ([]Device, error)

	// Open はデバイスを開いてハンドルを返す
	Open(ctx context.Context, dev Device) (Handle, error)
}

// Handle は開かれたデバイスへの低レベルな操作を提供する
type Handle interface {
	// Acquire は1枚のフレームを要求し、到着するかctxが終了するまでブロックする
	// 戻った時点で未完了の要求を残してはならない
	Acquire(ctx context.Context) (Frame, error)

	// StartStreaming は連続取得を開始し、フレームごとにhandlerを呼び出す
	StartStreaming(handler FrameHandler) error

	// StopStreaming は連続取得を停止する
	// 戻った時点でhandlerが新たに呼ばれることはない
	StopStreaming() error

	// Close はデバイスを解放する
	Close() error
}
