package frameio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"hitomi/internal/camera"
)

// npyMagic は .npy ファイルの先頭に置くマジック文字列
const npyMagic = "\x93NUMPY"

// npyAlign はヘッダーを含めた先頭部分の整列単位
const npyAlign = 64

// ArrayLayout はフレームを多次元配列として見たときの形状と要素型
type ArrayLayout struct {
	Shape []int  // 例: [480 640 1]
	DType string // NumPyの型記述子（例: "|u1", "<u2"）
}

// ShapeString は形状をタプル表記で返す
func (l ArrayLayout) ShapeString() string {
	parts := make([]string, len(l.Shape))
	for i, n := range l.Shape {
		parts[i] = strconv.Itoa(n)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// TypeName は要素型を人が読む名前で返す
func (l ArrayLayout) TypeName() string {
	switch l.DType {
	case "<u2":
		return "uint16"
	default:
		return "uint8"
	}
}

// Layout はフレームの配列としての形状を返す
// 圧縮フォーマットや不明なフォーマットは1次元のバイト列として扱う
func Layout(frame camera.Frame) ArrayLayout {
	h, w := frame.Height, frame.Width

	switch frame.PixelFormat {
	case camera.PixelFormatMono8:
		return ArrayLayout{Shape: []int{h, w, 1}, DType: "|u1"}
	case camera.PixelFormatMono16:
		return ArrayLayout{Shape: []int{h, w, 1}, DType: "<u2"}
	case camera.PixelFormatRGB8, camera.PixelFormatBGR8:
		return ArrayLayout{Shape: []int{h, w, 3}, DType: "|u1"}
	case camera.PixelFormatRGBA8:
		return ArrayLayout{Shape: []int{h, w, 4}, DType: "|u1"}
	case camera.PixelFormatYUYV:
		return ArrayLayout{Shape: []int{h, w, 2}, DType: "|u1"}
	default:
		return ArrayLayout{Shape: []int{len(frame.Data)}, DType: "|u1"}
	}
}

// EncodeNPY はフレームを NumPy の .npy（バージョン1.0）形式で書き出す
func EncodeNPY(w io.Writer, frame camera.Frame) error {
	layout := Layout(frame)

	size := 1
	for _, n := range layout.Shape {
		size *= n
	}
	if layout.DType == "<u2" {
		size *= 2
	}
	if len(frame.Data) < size {
		return fmt.Errorf("フレームデータが不足しています: %d < %d", len(frame.Data), size)
	}

	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }",
		layout.DType, layout.ShapeString())

	// マジック(6) + バージョン(2) + ヘッダー長(2) + ヘッダー + 改行 を整列させる
	prefix := len(npyMagic) + 2 + 2
	total := prefix + len(header) + 1
	if rem := total % npyAlign; rem != 0 {
		header += strings.Repeat(" ", npyAlign-rem)
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.WriteByte(1)
	buf.WriteByte(0)
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	buf.WriteString(header)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("npyヘッダーの書き込みに失敗: %w", err)
	}
	if _, err := w.Write(frame.Data[:size]); err != nil {
		return fmt.Errorf("npyデータの書き込みに失敗: %w", err)
	}
	return nil
}
