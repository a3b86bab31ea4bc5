package frameio

import (
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"hitomi/internal/camera"
)

// ErrCodecUnavailable は優先コーデックが利用できないことを示す
// エラーではなくフォールバックのきっかけとして扱う
var ErrCodecUnavailable = errors.New("画像コーデックが利用できません")

// Encoder はフレームを特定の画像形式に変換する
type Encoder interface {
	// Name はコーデック名を返す
	Name() string

	// Extensions は対応する拡張子（ドット付き小文字）を返す
	Extensions() []string

	// Encode はフレームをwへ書き出す
	// 利用できない場合は ErrCodecUnavailable をラップして返す
	Encode(w io.Writer, frame camera.Frame) error
}

// PNGEncoder は image/png によるエンコーダー
type PNGEncoder struct {
	CompressionLevel png.CompressionLevel
}

func (e PNGEncoder) Name() string         { return "png" }
func (e PNGEncoder) Extensions() []string { return []string{".png"} }

// Encode はフレームをPNGで書き出す
func (e PNGEncoder) Encode(w io.Writer, frame camera.Frame) error {
	img, err := ToImage(frame)
	if err != nil {
		return unavailable(e, err)
	}
	enc := png.Encoder{CompressionLevel: e.CompressionLevel}
	return enc.Encode(w, img)
}

// JPEGEncoder は image/jpeg によるエンコーダー
// MJPEGフレームは再エンコードせずにそのまま書き出す
type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) Name() string         { return "jpeg" }
func (e JPEGEncoder) Extensions() []string { return []string{".jpg", ".jpeg"} }

// Encode はフレームをJPEGで書き出す
func (e JPEGEncoder) Encode(w io.Writer, frame camera.Frame) error {
	if frame.PixelFormat == camera.PixelFormatMJPEG {
		_, err := w.Write(frame.Data)
		return err
	}

	img, err := ToImage(frame)
	if err != nil {
		return unavailable(e, err)
	}

	quality := e.Quality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// BMPEncoder は golang.org/x/image/bmp によるエンコーダー
type BMPEncoder struct{}

func (e BMPEncoder) Name() string         { return "bmp" }
func (e BMPEncoder) Extensions() []string { return []string{".bmp"} }

// Encode はフレームをBMPで書き出す
func (e BMPEncoder) Encode(w io.Writer, frame camera.Frame) error {
	img, err := ToImage(frame)
	if err != nil {
		return unavailable(e, err)
	}
	return bmp.Encode(w, img)
}

// TIFFEncoder は golang.org/x/image/tiff によるエンコーダー
// Mono16 の階調をそのまま保存できる
type TIFFEncoder struct {
	Compression tiff.CompressionType
}

func (e TIFFEncoder) Name() string         { return "tiff" }
func (e TIFFEncoder) Extensions() []string { return []string{".tif", ".tiff"} }

// Encode はフレームをTIFFで書き出す
func (e TIFFEncoder) Encode(w io.Writer, frame camera.Frame) error {
	img, err := ToImage(frame)
	if err != nil {
		return unavailable(e, err)
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: e.Compression})
}

// unavailable は変換できなかったことを ErrCodecUnavailable として返す
func unavailable(e Encoder, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCodecUnavailable, e.Name(), err)
}
