package frameio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"hitomi/internal/camera"
)

// ErrUnsupportedPixelFormat は画像へ変換できない画素フォーマットを示す
var ErrUnsupportedPixelFormat = errors.New("サポートされていない画素フォーマット")

// ToImage はフレームを image.Image に変換する
func ToImage(frame camera.Frame) (image.Image, error) {
	if frame.PixelFormat == camera.PixelFormatMJPEG {
		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return nil, fmt.Errorf("MJPEGフレームのデコードに失敗: %w", err)
		}
		return img, nil
	}

	bpp := frame.PixelFormat.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPixelFormat, frame.PixelFormat)
	}

	w, h := frame.Width, frame.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("不正なフレームサイズ: %dx%d", w, h)
	}
	if want := w * h * bpp; len(frame.Data) < want {
		return nil, fmt.Errorf("フレームデータが不足しています: %d < %d", len(frame.Data), want)
	}

	rect := image.Rect(0, 0, w, h)
	data := frame.Data

	switch frame.PixelFormat {
	case camera.PixelFormatMono8:
		img := image.NewGray(rect)
		copy(img.Pix, data[:w*h])
		return img, nil

	case camera.PixelFormatMono16:
		// Gray16 はビッグエンディアンで保持する
		img := image.NewGray16(rect)
		for i := 0; i < w*h; i++ {
			v := binary.LittleEndian.Uint16(data[i*2:])
			binary.BigEndian.PutUint16(img.Pix[i*2:], v)
		}
		return img, nil

	case camera.PixelFormatRGB8, camera.PixelFormatBGR8:
		img := image.NewRGBA(rect)
		bgr := frame.PixelFormat == camera.PixelFormatBGR8
		for i := 0; i < w*h; i++ {
			r, g, b := data[i*3], data[i*3+1], data[i*3+2]
			if bgr {
				r, b = b, r
			}
			img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = r, g, b, 0xff
		}
		return img, nil

	case camera.PixelFormatRGBA8:
		img := image.NewNRGBA(rect)
		copy(img.Pix, data[:w*h*4])
		return img, nil

	case camera.PixelFormatYUYV:
		return yuyvToImage(data, w, h), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPixelFormat, frame.PixelFormat)
}

// yuyvToImage は YUV 4:2:2 パック形式を YCbCr 画像に変換する
func yuyvToImage(data []byte, w, h int) image.Image {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for y := 0; y < h; y++ {
		row := data[y*w*2:]
		for x := 0; x < w; x++ {
			img.Y[y*img.YStride+x] = row[x*2]
			if x%2 == 0 {
				ci := y*img.CStride + x/2
				img.Cb[ci] = row[x*2+1]
				if x*2+3 < w*2 {
					img.Cr[ci] = row[x*2+3]
				} else {
					img.Cr[ci] = 128
				}
			}
		}
	}
	return img
}
