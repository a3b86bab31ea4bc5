package frameio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"time"

	"hitomi/internal/camera"
)

// ffmpegPixFmt は画素フォーマットとffmpegの入力画素形式の対応
var ffmpegPixFmt = map[camera.PixelFormat]string{
	camera.PixelFormatMono8:  "gray",
	camera.PixelFormatMono16: "gray16le",
	camera.PixelFormatRGB8:   "rgb24",
	camera.PixelFormatBGR8:   "bgr24",
	camera.PixelFormatRGBA8:  "rgba",
	camera.PixelFormatYUYV:   "yuyv422",
}

// ffmpegOutputs は拡張子ごとの出力引数
var ffmpegOutputs = map[string][]string{
	".webp": {"-c:v", "libwebp", "-f", "webp"},
	".gif":  {"-f", "gif"},
	".jp2":  {"-c:v", "jpeg2000", "-f", "image2pipe"},
	".j2k":  {"-c:v", "jpeg2000", "-f", "image2pipe"},
	".pgm":  {"-c:v", "pgm", "-f", "image2pipe"},
	".ppm":  {"-c:v", "ppm", "-f", "image2pipe"},
	".tga":  {"-c:v", "targa", "-f", "image2pipe"},
}

// FFmpegEncoder はffmpegのサブプロセスで標準ライブラリにない形式へ変換する
type FFmpegEncoder struct {
	Path    string        // ffmpegの実行ファイル
	Timeout time.Duration // 1フレームあたりの変換タイムアウト
}

// NewFFmpegEncoder は新しいFFmpegEncoderを作成する
func NewFFmpegEncoder() *FFmpegEncoder {
	return &FFmpegEncoder{
		Path:    "ffmpeg",
		Timeout: 10 * time.Second,
	}
}

func (e *FFmpegEncoder) Name() string { return "ffmpeg" }

// Extensions は対応する拡張子を返す
func (e *FFmpegEncoder) Extensions() []string {
	exts := make([]string, 0, len(ffmpegOutputs))
	for ext := range ffmpegOutputs {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func (e *FFmpegEncoder) ValidateFFmpeg() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Path, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}

	return nil
}

// EncodeExt はフレームを拡張子extの形式でwへ書き出す
func (e *FFmpegEncoder) EncodeExt(w io.Writer, frame camera.Frame, ext string) error {
	output, ok := ffmpegOutputs[ext]
	if !ok {
		return fmt.Errorf("%w: ffmpeg: 拡張子 %s には対応していません", ErrCodecUnavailable, ext)
	}

	if _, err := exec.LookPath(e.Path); err != nil {
		return fmt.Errorf("%w: ffmpeg: %w", ErrCodecUnavailable, err)
	}

	args := []string{"-loglevel", "error"}
	switch frame.PixelFormat {
	case camera.PixelFormatMJPEG:
		args = append(args, "-f", "mjpeg", "-i", "pipe:0")
	default:
		pixFmt, ok := ffmpegPixFmt[frame.PixelFormat]
		if !ok {
			return fmt.Errorf("%w: ffmpeg: %w: %s", ErrCodecUnavailable, ErrUnsupportedPixelFormat, frame.PixelFormat)
		}
		args = append(args,
			"-f", "rawvideo",
			"-pix_fmt", pixFmt,
			"-s", fmt.Sprintf("%dx%d", frame.Width, frame.Height),
			"-i", "pipe:0",
		)
	}
	args = append(args, "-frames:v", "1")
	args = append(args, output...)
	args = append(args, "pipe:1")

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Stdin = bytes.NewReader(frame.Data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// エンコーダーが組み込まれていないffmpegもあるため、失敗はコーデック不在として扱う
		return fmt.Errorf("%w: ffmpeg: %w (output: %s)", ErrCodecUnavailable, err, stderr.String())
	}
	if stdout.Len() == 0 {
		return fmt.Errorf("%w: ffmpeg: 出力が空です", ErrCodecUnavailable)
	}

	_, err := w.Write(stdout.Bytes())
	return err
}

// Encode はフレームをWebPで書き出す
// Writer からは拡張子に応じて EncodeExt が呼ばれる
func (e *FFmpegEncoder) Encode(w io.Writer, frame camera.Frame) error {
	return e.EncodeExt(w, frame, ".webp")
}
