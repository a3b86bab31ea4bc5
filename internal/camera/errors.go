package camera

import "errors"

var (
	// ErrNoDeviceDetected はデバイスが1台も列挙されなかったことを示す
	ErrNoDeviceDetected = errors.New("カメラが検出されません")

	// ErrDeviceNotFound は指定IDのデバイスが存在しないことを示す
	ErrDeviceNotFound = errors.New("カメラが見つかりません")

	// ErrDeviceBusy はデバイスが他のセッションで使用中であることを示す
	ErrDeviceBusy = errors.New("カメラは使用中です")

	// ErrCaptureTimeout はタイムアウトまでにフレームが届かなかったことを示す
	// 再試行可能
	ErrCaptureTimeout = errors.New("フレームキャプチャがタイムアウトしました")

	// ErrSessionClosed はクローズ済みのセッションに対する操作を示す
	ErrSessionClosed = errors.New("セッションはクローズされています")

	// ErrSessionStreaming はストリーミング中のセッションで単発キャプチャを要求したことを示す
	ErrSessionStreaming = errors.New("セッションはストリーミング中です")
)
