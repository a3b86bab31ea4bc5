// Package frameio はフレームを画像ファイルとして保存する
//
// # 責務
// - 拡張子に応じた画像コーデックの選択（png, jpeg, bmp, tiff, ffmpeg, gocv）
// - 画素フォーマットから image.Image への変換
// - コーデックが利用できない場合の .npy 形式へのフォールバック
//
// # 仕様
//   - Save はコーデックが無いというだけの理由では失敗しない。
//     代わりに拡張子を .npy に置き換えたパスへ生の配列を書き出し、
//     Result.Fallback でフォールバックしたことを報告する
//   - ffmpeg エンコーダーは ffmpeg が PATH 上にある場合だけ使われる
//   - gocv エンコーダーは -tags gocv でビルドした場合だけ登録される
package frameio
