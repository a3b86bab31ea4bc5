//go:build gocv

package frameio

import (
	"fmt"
	"io"

	"gocv.io/x/gocv"

	"hitomi/internal/camera"
)

func init() {
	optionalEncoders = append(optionalEncoders, GocvEncoder{})
}

// gocvExts はOpenCVに任せる拡張子
var gocvExts = []string{".webp", ".jp2", ".exr", ".pbm", ".pgm", ".ppm", ".sr", ".ras"}

// GocvEncoder はOpenCV（gocv）の imencode によるエンコーダー
// -tags gocv でビルドした場合だけ登録される
type GocvEncoder struct{}

func (e GocvEncoder) Name() string         { return "opencv" }
func (e GocvEncoder) Extensions() []string { return gocvExts }

// Encode はフレームをWebPで書き出す
func (e GocvEncoder) Encode(w io.Writer, frame camera.Frame) error {
	return e.EncodeExt(w, frame, ".webp")
}

// EncodeExt はフレームを拡張子extの形式で書き出す
func (e GocvEncoder) EncodeExt(w io.Writer, frame camera.Frame, ext string) error {
	img, err := toMat(frame)
	if err != nil {
		return unavailable(e, err)
	}
	defer img.Close()

	buf, err := gocv.IMEncode(gocv.FileExt(ext), img)
	if err != nil {
		return unavailable(e, err)
	}
	defer buf.Close()

	_, err = w.Write(buf.GetBytes())
	return err
}

// toMat はフレームをOpenCVのBGR順のMatに変換する
func toMat(frame camera.Frame) (gocv.Mat, error) {
	h, w := frame.Height, frame.Width

	switch frame.PixelFormat {
	case camera.PixelFormatMJPEG:
		return gocv.IMDecode(frame.Data, gocv.IMReadUnchanged)
	case camera.PixelFormatMono8:
		return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, frame.Data)
	case camera.PixelFormatMono16:
		return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV16UC1, frame.Data)
	case camera.PixelFormatBGR8:
		return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, frame.Data)
	case camera.PixelFormatRGB8:
		return convertMat(h, w, gocv.MatTypeCV8UC3, frame.Data, gocv.ColorRGBToBGR)
	case camera.PixelFormatRGBA8:
		return convertMat(h, w, gocv.MatTypeCV8UC4, frame.Data, gocv.ColorRGBAToBGR)
	case camera.PixelFormatYUYV:
		return convertMat(h, w, gocv.MatTypeCV8UC2, frame.Data, gocv.ColorYUVToBGRYUYV)
	}
	return gocv.NewMat(), fmt.Errorf("%w: %s", ErrUnsupportedPixelFormat, frame.PixelFormat)
}

// convertMat は生データからMatを作り、色空間を変換する
func convertMat(h, w int, mt gocv.MatType, data []byte, code gocv.ColorConversionCode) (gocv.Mat, error) {
	src, err := gocv.NewMatFromBytes(h, w, mt, data)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer src.Close()

	dst := gocv.NewMat()
	if err := gocv.CvtColor(src, &dst, code); err != nil {
		dst.Close()
		return gocv.NewMat(), err
	}
	return dst, nil
}
