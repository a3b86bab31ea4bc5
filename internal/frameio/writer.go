package frameio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"hitomi/internal/camera"
)

// FallbackExt はフォールバック時の拡張子
const FallbackExt = ".npy"

// FallbackFormat はフォールバック時の形式名
const FallbackFormat = "npy"

// optionalEncoders はビルドタグで追加されるエンコーダー
var optionalEncoders []Encoder

// extEncoder は複数の拡張子を1つの実装で扱うエンコーダー
type extEncoder interface {
	EncodeExt(w io.Writer, frame camera.Frame, ext string) error
}

// Result は保存結果
type Result struct {
	Path     string // 実際に書き出したパス
	Format   string // 使用した形式（png, jpeg, npy など）
	Fallback bool   // フォールバックしたかどうか
	Reason   error  // フォールバックした理由
}

// Writer は拡張子からエンコーダーを選んでフレームを保存する
type Writer struct {
	encoders map[string]Encoder
}

// WriterOption はWriterの設定を変更する
type WriterOption func(*Writer)

// WithEncoder はエンコーダーを登録する（既存の拡張子は上書きする）
func WithEncoder(e Encoder) WriterOption {
	return func(w *Writer) {
		w.Register(e)
	}
}

// WithoutExtension は拡張子の登録を外す
func WithoutExtension(exts ...string) WriterOption {
	return func(w *Writer) {
		for _, ext := range exts {
			delete(w.encoders, normalizeExt(ext))
		}
	}
}

// NewWriter は標準のエンコーダーを登録済みのWriterを作成する
//
// 優先順位は ffmpeg → gocv → 標準ライブラリ/x/image の順で、
// 後から登録したものが同じ拡張子を上書きする。
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{encoders: make(map[string]Encoder)}

	w.Register(NewFFmpegEncoder())
	for _, e := range optionalEncoders {
		w.Register(e)
	}
	w.Register(PNGEncoder{})
	w.Register(JPEGEncoder{Quality: 95})
	w.Register(BMPEncoder{})
	w.Register(TIFFEncoder{})

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register はエンコーダーを対応する全ての拡張子に登録する
func (w *Writer) Register(e Encoder) {
	for _, ext := range e.Extensions() {
		w.encoders[normalizeExt(ext)] = e
	}
}

// EncoderFor は拡張子に対応するエンコーダーを返す
func (w *Writer) EncoderFor(ext string) (Encoder, bool) {
	e, ok := w.encoders[normalizeExt(ext)]
	return e, ok
}

// Encode は拡張子extの優先コーデックでフレームを変換する
// コーデックが無い場合は ErrCodecUnavailable をラップして返す
func (w *Writer) Encode(frame camera.Frame, ext string) ([]byte, error) {
	ext = normalizeExt(ext)
	e, ok := w.encoders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: 拡張子 %q", ErrCodecUnavailable, ext)
	}

	var buf bytes.Buffer
	var err error
	if xe, ok := e.(extEncoder); ok {
		err = xe.EncodeExt(&buf, frame, ext)
	} else {
		err = e.Encode(&buf, frame)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeFallback はフレームを生の配列（.npy）に変換する
func (w *Writer) EncodeFallback(frame camera.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeNPY(&buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save はフレームをpathへ保存する
//
// 優先コーデックが利用できない場合は拡張子を .npy に置き換えたパスへ
// 生の配列を書き出し、Fallback を true にして返す。
func (w *Writer) Save(frame camera.Frame, path string) (Result, error) {
	ext := normalizeExt(filepath.Ext(path))

	data, err := w.Encode(frame, ext)
	if err == nil {
		name := ext
		if e, ok := w.encoders[ext]; ok {
			name = e.Name()
		}
		if err := writeFile(path, data); err != nil {
			return Result{}, err
		}
		return Result{Path: path, Format: name}, nil
	}
	if !errors.Is(err, ErrCodecUnavailable) {
		return Result{}, fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}

	slog.Warn("frameio: 優先コーデックが利用できないため配列形式で保存します",
		"path", path,
		"reason", err,
	)

	data, ferr := w.EncodeFallback(frame)
	if ferr != nil {
		return Result{}, fmt.Errorf("フォールバックのエンコードに失敗: %w", ferr)
	}

	fallbackPath := strings.TrimSuffix(path, filepath.Ext(path)) + FallbackExt
	if err := writeFile(fallbackPath, data); err != nil {
		return Result{}, err
	}
	return Result{
		Path:     fallbackPath,
		Format:   FallbackFormat,
		Fallback: true,
		Reason:   err,
	}, nil
}

// writeFile は親ディレクトリを作成してからファイルを書き出す
func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ディレクトリの作成に失敗: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}
	return nil
}

// normalizeExt は拡張子をドット付き小文字にそろえる
func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
