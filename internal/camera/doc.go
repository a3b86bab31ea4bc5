// Package camera カメラデバイスの列挙・専有・単発取得を担う
//
// # 責務
// - 取得ドライバーによるデバイスの列挙と解決（Directory）
// - 1台のデバイスを専有するセッションの管理（Session, WithSession）
// - タイムアウト付きの単発キャプチャ（Capture）
// - ストリーミング時のフレーム到着ハンドラーの登録・解除
//
// # 仕様
//   - Resolve は ID 省略時に最初のデバイスを返す。1台もなければ ErrNoDeviceDetected、
//     指定IDがなければ ErrDeviceNotFound を返す
//   - 同じデバイスを同時に2つのセッションで開くことはできない（ErrDeviceBusy）。
//     待ち合わせや再試行はしない
//   - WithSession はエラー・パニック・キャンセルのどの経路でもセッションを閉じる
//   - Capture はフレームかタイムアウトのどちらか一方だけを返す
//
// # ドライバー
//   - v4l2: github.com/blackjack/webcam によるLinuxのV4L2デバイス
//   - x11: ffmpeg の x11grab による画面キャプチャ
//   - synthetic: 実機なしで動作する合成フレームソース
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
//   - ffmpeg: x11ドライバーで使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//     Red Hat/Fedora: sudo dnf install ffmpeg
package camera
