package camera

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"
)

// SyntheticDevice は合成フレームソースの設定
type SyntheticDevice struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	FPS         float64     `yaml:"fps"`
	Width       int         `yaml:"width"`
	Height      int         `yaml:"height"`
	PixelFormat PixelFormat `yaml:"pixel_format"`

	// Stall が true の場合はフレームを一切配信しない（タイムアウト検証用）
	Stall bool `yaml:"stall"`
}

// SyntheticDriver は実機なしで動作する合成フレームのドライバー
// テストと -driver synthetic で使用する
type SyntheticDriver struct {
	devices []SyntheticDevice
	scanErr error
	mu      sync.RWMutex
}

// NewSyntheticDriver は新しいSyntheticDriverを作成する
func NewSyntheticDriver(devices ...SyntheticDevice) *SyntheticDriver {
	d := &SyntheticDriver{}
	for _, dev := range devices {
		d.AddDevice(dev)
	}
	return d
}

// Name はドライバー名を返す
func (d *SyntheticDriver) Name() string {
	return "synthetic"
}

// Scan は登録済みの合成デバイス一覧を返す
func (d *SyntheticDriver) Scan(_ context.Context) ([]Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.scanErr != nil {
		return nil, d.scanErr
	}

	devices := make([]Device, 0, len(d.devices))
	for _, cfg := range d.devices {
		devices = append(devices, Device{
			ID:     cfg.ID,
			Name:   cfg.Name,
			Path:   "synthetic://" + cfg.ID,
			Driver: d.Name(),
			Capabilities: Capabilities{
				Formats:     []string{string(cfg.PixelFormat)},
				Resolutions: []Resolution{{Width: cfg.Width, Height: cfg.Height}},
			},
		})
	}
	return devices, nil
}

// Open は合成デバイスのハンドルを作成する
func (d *SyntheticDriver) Open(_ context.Context, dev Device) (Handle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, cfg := range d.devices {
		if cfg.ID == dev.ID {
			return &syntheticHandle{cfg: cfg}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, dev.ID)
}

// AddDevice はデバイスを追加する
func (d *SyntheticDriver) AddDevice(dev SyntheticDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// 重複チェック
	for _, existing := range d.devices {
		if existing.ID == dev.ID {
			return
		}
	}

	if dev.Name == "" {
		dev.Name = fmt.Sprintf("合成カメラ %d", len(d.devices)+1)
	}
	if dev.FPS <= 0 {
		dev.FPS = 30
	}
	if dev.Width <= 0 {
		dev.Width = 640
	}
	if dev.Height <= 0 {
		dev.Height = 480
	}
	if dev.PixelFormat == "" {
		dev.PixelFormat = PixelFormatMono8
	}

	d.devices = append(d.devices, dev)
}

// RemoveDevice はデバイスを削除する
func (d *SyntheticDriver) RemoveDevice(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, dev := range d.devices {
		if dev.ID == id {
			d.devices = append(d.devices[:i], d.devices[i+1:]...)
			return
		}
	}
}

// SetScanError は列挙時に返すエラーを設定する
func (d *SyntheticDriver) SetScanError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanErr = err
}

// syntheticHandle は合成デバイスのハンドル
type syntheticHandle struct {
	cfg SyntheticDevice
	seq atomic.Uint64

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// interval はフレーム間隔を返す
func (h *syntheticHandle) interval() time.Duration {
	return time.Duration(float64(time.Second) / h.cfg.FPS)
}

// Acquire は次のフレーム周期まで待ってから1フレームを返す
func (h *syntheticHandle) Acquire(ctx context.Context) (Frame, error) {
	if h.cfg.Stall {
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}

	timer := time.NewTimer(h.interval())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
	}

	return h.nextFrame(nil)
}

// StartStreaming はフレーム周期ごとにhandlerを呼び出すゴルーチンを開始する
func (h *syntheticHandle) StartStreaming(handler FrameHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopCh != nil {
		return fmt.Errorf("合成カメラ %s は既にストリーミング中です", h.cfg.ID)
	}

	h.stopCh = make(chan struct{})
	h.wg.Add(1)
	go h.deliver(handler, h.stopCh)
	return nil
}

// deliver はフレームを生成してhandlerへ渡す
func (h *syntheticHandle) deliver(handler FrameHandler, stopCh <-chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval())
	defer ticker.Stop()

	// バッファは使い回す（ハンドラーは必要ならCloneする）
	var buf []byte
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if h.cfg.Stall {
				continue
			}
			frame, err := h.nextFrame(buf)
			if err != nil {
				continue
			}
			buf = frame.Data
			handler(frame)
		}
	}
}

// StopStreaming は配信ゴルーチンを停止し、終了を待機する
func (h *syntheticHandle) StopStreaming() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopCh == nil {
		return nil
	}

	close(h.stopCh)
	h.wg.Wait()
	h.stopCh = nil
	return nil
}

// Close はハンドルを解放する
func (h *syntheticHandle) Close() error {
	return h.StopStreaming()
}

// nextFrame はテストパターンのフレームを生成する
func (h *syntheticHandle) nextFrame(buf []byte) (Frame, error) {
	seq := h.seq.Add(1)
	data, err := renderPattern(buf, h.cfg.Width, h.cfg.Height, h.cfg.PixelFormat, seq)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		ID:          seq,
		Width:       h.cfg.Width,
		Height:      h.cfg.Height,
		PixelFormat: h.cfg.PixelFormat,
		Timestamp:   time.Now(),
		Data:        data,
	}, nil
}

// renderPattern はseqに応じて流れるグラデーションを描画する
func renderPattern(buf []byte, width, height int, pf PixelFormat, seq uint64) ([]byte, error) {
	shift := int(seq)

	if pf == PixelFormatMJPEG {
		img := image.NewGray(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(x + y + shift)})
			}
		}
		var out bytes.Buffer
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 80}); err != nil {
			return nil, fmt.Errorf("合成JPEGの生成に失敗: %w", err)
		}
		return out.Bytes(), nil
	}

	bpp := pf.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("サポートされていない画素フォーマット: %s", pf)
	}

	size := width * height * bpp
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(x + y + shift)
			i := (y*width + x) * bpp
			switch pf {
			case PixelFormatMono8:
				buf[i] = v
			case PixelFormatMono16:
				binary.LittleEndian.PutUint16(buf[i:], uint16(v)<<8)
			case PixelFormatRGB8, PixelFormatBGR8:
				buf[i], buf[i+1], buf[i+2] = v, uint8(y), uint8(x)
			case PixelFormatRGBA8:
				buf[i], buf[i+1], buf[i+2], buf[i+3] = v, uint8(y), uint8(x), 0xff
			case PixelFormatYUYV:
				// Y0 U Y1 V の並びで、偶数画素にU、奇数画素にVを置く
				buf[i] = v
				buf[i+1] = 128
			}
		}
	}
	return buf, nil
}
