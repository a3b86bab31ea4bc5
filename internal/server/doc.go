// Package server は、カメラ操作のHTTP APIを提供します。
//
// 責務:
//   - デバイス一覧と単発キャプチャのエンドポイント
//   - ストリームの開始・停止と統計の取得
//   - WebSocketによる統計の配信とMJPEGのプレビュー配信
//   - シャットダウン時の全ストリームの停止
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - デバイスのエラーは 404/409/504 に対応づける
package server
