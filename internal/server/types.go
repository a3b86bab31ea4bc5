package server

import (
	"time"

	"hitomi/internal/stream"
	"hitomi/internal/telemetry"
)

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status        string                 `json:"status"`
	Server        ServerInfo             `json:"server"`
	Driver        string                 `json:"driver"`
	Cameras       int                    `json:"cameras"`
	ActiveStreams int                    `json:"active_streams"`
	FFmpeg        bool                   `json:"ffmpeg"`         // ffmpegによる追加コーデックが使えるか
	MQTT          *telemetry.ClientStats `json:"mqtt,omitempty"` // MQTT送出の統計（無効なら省略）
	Uptime        float64                `json:"uptime_seconds"`
	Timestamp     time.Time              `json:"timestamp"`
}

// CameraSettings はカメラの機能情報
type CameraSettings struct {
	Formats     []string `json:"formats"`
	Resolutions []string `json:"resolutions"`
}

// CameraInfo はカメラ情報
type CameraInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Device   string         `json:"device"`
	Driver   string         `json:"driver"`
	InUse    bool           `json:"in_use"`
	Settings CameraSettings `json:"settings"`
}

// CamerasResponse はカメラ一覧の応答
type CamerasResponse struct {
	Cameras []CameraInfo `json:"cameras"`
}

// StartStreamRequest はストリーム開始の要求
type StartStreamRequest struct {
	DurationSeconds float64 `json:"duration_seconds"` // 0以下は無期限
}

// StreamInfo はストリーム情報
type StreamInfo struct {
	ID              string              `json:"id"`
	CameraID        string              `json:"camera_id"`
	SessionID       string              `json:"session_id"`
	State           string              `json:"state"`
	StartedAt       time.Time           `json:"started_at"`
	DurationSeconds float64             `json:"duration_seconds"`
	Stats           stream.StatsPayload `json:"stats"`
}

// StreamsResponse はストリーム一覧の応答
type StreamsResponse struct {
	Streams []StreamInfo `json:"streams"`
}

// ErrorResponse はエラーの応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// newStreamInfo はストリームの応答を作成する
func newStreamInfo(e *stream.Entry, stats stream.Stats) StreamInfo {
	return StreamInfo{
		ID:              e.ID,
		CameraID:        e.Device.ID,
		SessionID:       e.SessionID,
		State:           e.State().String(),
		StartedAt:       e.StartedAt,
		DurationSeconds: e.Duration.Seconds(),
		Stats:           stats.Payload(),
	}
}
