// Package stream はカメラの連続取得セッションを制御する
//
// # 責務
// - ストリーミングの状態遷移（Idle → Streaming → Stopped）
// - フレーム到着コールバックでのフレーム数の計数
// - 一定間隔でのスループット（FPS）の報告
// - 時間制限・外部からの停止・割り込みによる終了処理
//
// # 仕様
//   - フレーム数はコールバック側のゴルーチンで加算され、ポーリング側で読まれる。
//     カウンターは atomic で保護する
//   - Stop は冪等で、2回目以降は最初に計算した最終統計を返す
//   - 報告は経過時間を報告間隔で割った整数（tick）が進んだときに1回だけ行う
//   - 時間制限・割り込み・外部停止はすべて同じ Stop の経路を通る
//   - Manager はHTTPサーバーから開始されたセッションをIDで管理する
package stream
