package timelapse

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"hitomi/internal/camera"
	"hitomi/internal/frameio"
)

// SheetComposer は複数のフレームを格子状に並べて1枚の画像にする
type SheetComposer struct {
	outputWidth  int
	outputHeight int
	background   color.Color
	scaler       draw.Scaler
}

// NewSheetComposer は新しいSheetComposerを作成する
func NewSheetComposer(outputWidth, outputHeight int) *SheetComposer {
	return &SheetComposer{
		outputWidth:  outputWidth,
		outputHeight: outputHeight,
		background:   color.Black,
		scaler:       draw.ApproxBiLinear,
	}
}

// Compose はフレームを撮影順に並べたRGBA8のフレームを返す
func (sc *SheetComposer) Compose(frames []camera.Frame) (camera.Frame, error) {
	if len(frames) == 0 {
		return camera.Frame{}, fmt.Errorf("結合するフレームがありません")
	}

	layout := sc.calculateLayout(len(frames))

	outputImg := image.NewRGBA(image.Rect(0, 0, sc.outputWidth, sc.outputHeight))
	draw.Draw(outputImg, outputImg.Bounds(), image.NewUniform(sc.background), image.Point{}, draw.Src)

	placed := 0
	for i, frame := range frames {
		img, err := frameio.ToImage(frame)
		if err != nil {
			slog.Warn("timelapse: フレームを画像に変換できません",
				"frame_id", frame.ID,
				"error", err,
			)
			continue
		}

		pos := sc.calculatePosition(i, layout)
		sc.drawImageAt(outputImg, img, pos)
		placed++
	}

	if placed == 0 {
		return camera.Frame{}, fmt.Errorf("配置できるフレームがありません")
	}

	return camera.Frame{
		Width:       sc.outputWidth,
		Height:      sc.outputHeight,
		PixelFormat: camera.PixelFormatRGBA8,
		Timestamp:   time.Now(),
		Data:        outputImg.Pix,
	}, nil
}

// LayoutInfo はレイアウト情報
type LayoutInfo struct {
	Cols       int
	Rows       int
	CellWidth  int
	CellHeight int
}

// calculateLayout はフレーム数に基づいてレイアウトを計算する
func (sc *SheetComposer) calculateLayout(frameCount int) LayoutInfo {
	var cols, rows int

	switch frameCount {
	case 1:
		cols, rows = 1, 1
	case 2:
		cols, rows = 2, 1
	case 3, 4:
		cols, rows = 2, 2
	default:
		cols = int(float64(frameCount)*0.6) + 1 // 横を多めに
		rows = (frameCount + cols - 1) / cols
	}

	return LayoutInfo{
		Cols:       cols,
		Rows:       rows,
		CellWidth:  sc.outputWidth / cols,
		CellHeight: sc.outputHeight / rows,
	}
}

// Position は配置位置
type Position struct {
	X, Y          int
	Width, Height int
}

// calculatePosition は指定したインデックスの配置位置を計算する
func (sc *SheetComposer) calculatePosition(index int, layout LayoutInfo) Position {
	row := index / layout.Cols
	col := index % layout.Cols

	return Position{
		X:      col * layout.CellWidth,
		Y:      row * layout.CellHeight,
		Width:  layout.CellWidth,
		Height: layout.CellHeight,
	}
}

// drawImageAt は縦横比を保ったままセルの中央に画像を縮小して描画する
func (sc *SheetComposer) drawImageAt(dst *image.RGBA, src image.Image, pos Position) {
	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 || pos.Width == 0 || pos.Height == 0 {
		return
	}

	w, h := pos.Width, sb.Dy()*pos.Width/sb.Dx()
	if h > pos.Height {
		w, h = sb.Dx()*pos.Height/sb.Dy(), pos.Height
	}
	x := pos.X + (pos.Width-w)/2
	y := pos.Y + (pos.Height-h)/2

	sc.scaler.Scale(dst, image.Rect(x, y, x+w, y+h), src, sb, draw.Over, nil)
}
