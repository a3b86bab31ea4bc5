//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/blackjack/webcam"
)

// V4L2Driver はLinuxのV4L2デバイスを扱うドライバー
type V4L2Driver struct {
	Width       int    // 要求する幅
	Height      int    // 要求する高さ
	BufferCount uint32 // mmapバッファ数
}

// NewV4L2Driver は新しいV4L2Driverを作成する
func NewV4L2Driver(width, height int) *V4L2Driver {
	return &V4L2Driver{
		Width:       width,
		Height:      height,
		BufferCount: 4,
	}
}

// v4l2Formats は優先順に並べたV4L2フォーマットと画素フォーマットの対応
var v4l2Formats = []struct {
	fourcc string
	format PixelFormat
}{
	{"RGB3", PixelFormatRGB8},
	{"BGR3", PixelFormatBGR8},
	{"YUYV", PixelFormatYUYV},
	{"GREY", PixelFormatMono8},
	{"Y16 ", PixelFormatMono16},
	{"MJPG", PixelFormatMJPEG},
}

// fourcc は4文字コードからV4L2の画素フォーマット値を作る
func fourcc(code string) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24)
}

// Name はドライバー名を返す
func (d *V4L2Driver) Name() string {
	return "v4l2"
}

// Scan はシステム内のV4L2キャプチャデバイスを列挙する
func (d *V4L2Driver) Scan(ctx context.Context) ([]Device, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []Device
	for _, path := range matches {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		dev, ok := d.probe(path)
		if ok {
			devices = append(devices, dev)
		}
	}

	return devices, nil
}

// probe はデバイスを開いて名前とサポートフォーマットを取得する
// キャプチャ可能なフォーマットを持たないノード（メタデータ用など）は除外する
func (d *V4L2Driver) probe(path string) (Device, bool) {
	cam, err := webcam.Open(path)
	if err != nil {
		return Device{}, false
	}
	defer func() {
		_ = cam.Close()
	}()

	supported := cam.GetSupportedFormats()
	if len(supported) == 0 {
		return Device{}, false
	}

	var formats []string
	var resolutions []Resolution
	for _, f := range v4l2Formats {
		code := fourcc(f.fourcc)
		if _, ok := supported[code]; !ok {
			continue
		}
		formats = append(formats, string(f.format))
		for _, size := range cam.GetSupportedFrameSizes(code) {
			resolutions = append(resolutions, Resolution{Width: int(size.MaxWidth), Height: int(size.MaxHeight)})
		}
	}
	if len(formats) == 0 {
		return Device{}, false
	}

	name, err := cam.GetName()
	if err != nil || name == "" {
		name = fmt.Sprintf("カメラ %d", extractDeviceNumber(path))
	}

	return Device{
		ID:     filepath.Base(path),
		Name:   name,
		Path:   path,
		Driver: d.Name(),
		Capabilities: Capabilities{
			Formats:     formats,
			Resolutions: resolutions,
		},
	}, true
}

// Open はデバイスを開き、画像フォーマットを設定する
func (d *V4L2Driver) Open(_ context.Context, dev Device) (Handle, error) {
	cam, err := webcam.Open(dev.Path)
	if err != nil {
		if errors.Is(err, syscall.EBUSY) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, dev.Path)
		}
		return nil, fmt.Errorf("デバイス %s を開けません: %w", dev.Path, err)
	}

	supported := cam.GetSupportedFormats()
	var chosen webcam.PixelFormat
	var format PixelFormat
	for _, f := range v4l2Formats {
		code := fourcc(f.fourcc)
		if _, ok := supported[code]; ok {
			chosen, format = code, f.format
			break
		}
	}
	if format == "" {
		_ = cam.Close()
		return nil, fmt.Errorf("デバイス %s はサポートされたフォーマットを持ちません", dev.Path)
	}

	_, width, height, err := cam.SetImageFormat(chosen, uint32(d.Width), uint32(d.Height))
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("デバイス %s のフォーマット設定に失敗: %w", dev.Path, err)
	}

	if d.BufferCount > 0 {
		if err := cam.SetBufferCount(d.BufferCount); err != nil {
			_ = cam.Close()
			return nil, fmt.Errorf("デバイス %s のバッファ設定に失敗: %w", dev.Path, err)
		}
	}

	return &v4l2Handle{
		cam:    cam,
		path:   dev.Path,
		format: format,
		width:  int(width),
		height: int(height),
	}, nil
}

// v4l2Handle はオープン中のV4L2デバイス
type v4l2Handle struct {
	cam    *webcam.Webcam
	path   string
	format PixelFormat
	width  int
	height int
	seq    uint64

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// startStreaming はV4L2のストリーミングを開始する
func (h *v4l2Handle) startStreaming() error {
	if err := h.cam.StartStreaming(); err != nil {
		if errors.Is(err, syscall.EBUSY) {
			return fmt.Errorf("%w: %s", ErrDeviceBusy, h.path)
		}
		return err
	}
	return nil
}

// Acquire はストリーミングを一時的に開始して1フレームを取得する
// 戻る前に必ずストリーミングを停止する
func (h *v4l2Handle) Acquire(ctx context.Context) (Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.startStreaming(); err != nil {
		return Frame{}, err
	}
	defer func() {
		if err := h.cam.StopStreaming(); err != nil {
			slog.Warn("camera: ストリーミング停止に失敗しました", "device", h.path, "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		// WaitForFrame は秒単位なので1秒ずつ待機してctxを確認する
		err := h.cam.WaitForFrame(1)
		var timeout *webcam.Timeout
		switch {
		case err == nil:
		case errors.As(err, &timeout):
			continue
		default:
			return Frame{}, fmt.Errorf("フレーム待機エラー: %w", err)
		}

		// 待機中に期限を過ぎた場合は読み取らない
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		data, err := h.cam.ReadFrame()
		if err != nil {
			return Frame{}, fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
		if len(data) == 0 {
			continue
		}

		// mmapバッファは再利用されるためコピーする
		buf := make([]byte, len(data))
		copy(buf, data)

		h.seq++
		return h.frame(buf), nil
	}
}

// frame はメタデータを付与したフレームを作成する
func (h *v4l2Handle) frame(data []byte) Frame {
	return Frame{
		ID:          h.seq,
		Width:       h.width,
		Height:      h.height,
		PixelFormat: h.format,
		Timestamp:   time.Now(),
		Data:        data,
	}
}

// StartStreaming は連続取得を開始する
func (h *v4l2Handle) StartStreaming(handler FrameHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopCh != nil {
		return fmt.Errorf("デバイス %s は既にストリーミング中です", h.path)
	}
	if err := h.startStreaming(); err != nil {
		return err
	}

	h.stopCh = make(chan struct{})
	h.wg.Add(1)
	go h.deliver(handler, h.stopCh)
	return nil
}

// deliver はフレームを読み取ってhandlerへ渡す
// 一時的なエラーはログに記録して配信を継続する
func (h *v4l2Handle) deliver(handler FrameHandler, stopCh <-chan struct{}) {
	defer h.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		err := h.cam.WaitForFrame(1)
		var timeout *webcam.Timeout
		switch {
		case err == nil:
		case errors.As(err, &timeout):
			continue
		default:
			slog.Warn("camera: フレーム待機エラー", "device", h.path, "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		data, err := h.cam.ReadFrame()
		if err != nil || len(data) == 0 {
			continue
		}

		// 次のReadFrameまではdataは有効なので、ここではコピーしない
		h.seq++
		handler(h.frame(data))
	}
}

// StopStreaming は配信ゴルーチンを停止してからV4L2のストリーミングを停止する
func (h *v4l2Handle) StopStreaming() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopCh == nil {
		return nil
	}

	close(h.stopCh)
	h.wg.Wait()
	h.stopCh = nil

	return h.cam.StopStreaming()
}

// Close はデバイスを解放する
func (h *v4l2Handle) Close() error {
	var errs []error
	if err := h.StopStreaming(); err != nil {
		errs = append(errs, err)
	}
	if err := h.cam.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	// /dev/videoXX から XX を抽出
	re := regexp.MustCompile(`video(\d+)`)
	matches := re.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}
