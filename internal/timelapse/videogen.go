package timelapse

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// VideoGenerator は保存済みの画像列から動画を生成する
type VideoGenerator struct {
	ffmpegPath string
}

// NewVideoGenerator は新しいVideoGeneratorを作成する
func NewVideoGenerator() *VideoGenerator {
	return &VideoGenerator{ffmpegPath: "ffmpeg"}
}

// CreateVideo は画像ファイルを撮影順に並べた動画を作成する
func (vg *VideoGenerator) CreateVideo(ctx context.Context, videoPath string, imageFiles []string, fps, quality int) error {
	if len(imageFiles) == 0 {
		return fmt.Errorf("画像ファイルがありません")
	}
	if fps <= 0 {
		fps = 30
	}

	if dir := filepath.Dir(videoPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
		}
	}

	listFile, err := os.CreateTemp("", "hitomi-images-*.txt")
	if err != nil {
		return fmt.Errorf("画像リストの作成に失敗: %w", err)
	}
	listPath := listFile.Name()
	_ = listFile.Close()
	defer func() {
		_ = os.Remove(listPath) // cleanup中のエラーは無視
	}()

	if err := vg.createImageList(listPath, imageFiles, fps); err != nil {
		return fmt.Errorf("画像リストの作成に失敗: %w", err)
	}

	cmd := exec.CommandContext(ctx, vg.ffmpegPath,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-r", strconv.Itoa(fps),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", vg.qualityToCRF(quality),
		"-pix_fmt", "yuv420p",
		"-y", // 上書き許可
		videoPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("動画作成に失敗: %w (output: %s)", err, string(output))
	}

	return nil
}

// createImageList はconcat demuxer用の画像リストを作成する
func (vg *VideoGenerator) createImageList(listFile string, imageFiles []string, fps int) error {
	duration := strconv.FormatFloat(1/float64(fps), 'f', 3, 64)

	var b strings.Builder
	for _, imageFile := range imageFiles {
		abs, err := filepath.Abs(imageFile)
		if err != nil {
			abs = imageFile
		}
		fmt.Fprintf(&b, "file '%s'\nduration %s\n", abs, duration)
	}

	// 最後のフレームは追加の表示時間なし
	last, err := filepath.Abs(imageFiles[len(imageFiles)-1])
	if err != nil {
		last = imageFiles[len(imageFiles)-1]
	}
	fmt.Fprintf(&b, "file '%s'\n", last)

	return os.WriteFile(listFile, []byte(b.String()), 0644)
}

// qualityToCRF は品質設定をFFmpegのCRF値に変換する
func (vg *VideoGenerator) qualityToCRF(quality int) string {
	// 品質1(低) -> CRF28, 品質5(高) -> CRF18
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}
