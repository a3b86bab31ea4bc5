package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// jpegSOI, jpegEOI はJPEGの開始・終了マーカー
var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// X11Driver はffmpegのx11grabで画面をフレームソースとして扱うドライバー
type X11Driver struct {
	Display string // X11ディスプレイ（例: ":0.0"）
	Width   int
	Height  int
	FPS     int

	// ffmpegの実行ファイル名
	FFmpegPath string
}

// NewX11Driver は新しいX11Driverを作成する
func NewX11Driver(display string, width, height, fps int) *X11Driver {
	if display == "" {
		display = ":0.0"
	}
	if fps <= 0 {
		fps = 30
	}
	return &X11Driver{
		Display:    display,
		Width:      width,
		Height:     height,
		FPS:        fps,
		FFmpegPath: "ffmpeg",
	}
}

// Name はドライバー名を返す
func (d *X11Driver) Name() string {
	return "x11"
}

// Scan はX11ディスプレイが利用可能なら1台の画面デバイスを返す
func (d *X11Driver) Scan(ctx context.Context) ([]Device, error) {
	// xdpyinfoコマンドでX11ディスプレイの利用可能性をチェック
	cmd := exec.CommandContext(ctx, "xdpyinfo", "-display", d.Display)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("X11ディスプレイ %s が利用できません: %w", d.Display, err)
	}

	return []Device{{
		ID:     "screen" + d.Display,
		Name:   "画面キャプチャ " + d.Display,
		Path:   d.Display,
		Driver: d.Name(),
		Capabilities: Capabilities{
			Formats:     []string{string(PixelFormatMJPEG)},
			Resolutions: []Resolution{{Width: d.Width, Height: d.Height}},
		},
	}}, nil
}

// Open は画面デバイスのハンドルを作成する
func (d *X11Driver) Open(_ context.Context, dev Device) (Handle, error) {
	if _, err := exec.LookPath(d.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpegが見つかりません: %w", err)
	}
	return &x11Handle{driver: d, device: dev}, nil
}

// x11Handle は画面キャプチャのハンドル
type x11Handle struct {
	driver *X11Driver
	device Device
	seq    atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// baseArgs はx11grab入力の共通引数を返す
func (h *x11Handle) baseArgs() []string {
	return []string{
		"-loglevel", "error",
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", h.driver.Width, h.driver.Height),
		"-r", strconv.Itoa(h.driver.FPS),
		"-i", h.device.Path,
	}
}

// Acquire はffmpegで1フレームだけ取得する
func (h *x11Handle) Acquire(ctx context.Context) (Frame, error) {
	args := append(h.baseArgs(),
		"-vframes", "1",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-",
	)
	cmd := exec.CommandContext(ctx, h.driver.FFmpegPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// タイムアウトによる強制終了はコンテキストのエラーとして返す
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, fmt.Errorf("画面キャプチャに失敗: %w (stderr: %s)", err, stderr.String())
	}

	frames, _ := splitJPEG(stdout.Bytes())
	if len(frames) == 0 {
		return Frame{}, errors.New("ffmpegの出力にJPEGフレームがありません")
	}
	return h.newFrame(frames[0]), nil
}

// StartStreaming はffmpegを起動し、JPEGフレームごとにhandlerを呼び出す
func (h *x11Handle) StartStreaming(handler FrameHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return fmt.Errorf("画面 %s は既にストリーミング中です", h.device.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	args := append(h.baseArgs(),
		"-vf", "format=yuv420p",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
	cmd := exec.CommandContext(ctx, h.driver.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			_ = cmd.Wait()
		}()
		h.deliver(ctx, stdout, handler)
	}()
	return nil
}

// deliver はffmpegの出力からJPEGフレームを切り出してhandlerへ渡す
func (h *x11Handle) deliver(ctx context.Context, r io.Reader, handler FrameHandler) {
	buffer := make([]byte, 1024*1024)
	var pending []byte

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			var frames [][]byte
			frames, pending = splitJPEG(pending)
			for _, data := range frames {
				if ctx.Err() != nil {
					return
				}
				handler(h.newFrame(data))
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				slog.Warn("camera: 画面キャプチャの読み取りエラー", "device", h.device.ID, "error", err)
			}
			return
		}
	}
}

// StopStreaming はffmpegを停止し、配信ゴルーチンの終了を待機する
func (h *x11Handle) StopStreaming() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		return nil
	}

	h.cancel()
	h.wg.Wait()
	h.cancel = nil
	return nil
}

// Close はハンドルを解放する
func (h *x11Handle) Close() error {
	return h.StopStreaming()
}

func (h *x11Handle) newFrame(data []byte) Frame {
	return Frame{
		ID:          h.seq.Add(1),
		Width:       h.driver.Width,
		Height:      h.driver.Height,
		PixelFormat: PixelFormatMJPEG,
		Timestamp:   time.Now(),
		Data:        data,
	}
}

// splitJPEG はバイト列から完全なJPEGフレームを切り出し、残りを返す
// 返すフレームは入力と領域を共有しない
func splitJPEG(data []byte) (frames [][]byte, rest []byte) {
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// 開始マーカーの途中で切れている可能性があるので末尾1バイトは残す
			if n := len(data); n > 0 && data[n-1] == jpegSOI[0] {
				return frames, append([]byte(nil), data[n-1:]...)
			}
			return frames, nil
		}

		end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
		if end == -1 {
			// 完全なフレームがまだない
			return frames, append([]byte(nil), data[start:]...)
		}
		end += start + len(jpegSOI) + len(jpegEOI)

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)

		data = data[end:]
	}
}
