package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/frameio"
	"hitomi/internal/stream"
	"hitomi/internal/telemetry"
)

// ReporterFactory はデバイスごとに追加の報告先を作成する
type ReporterFactory func(dev camera.Device) []stream.Reporter

// Handler はAPIエンドポイントの実装
type Handler struct {
	config    *config.Config
	dir       *camera.Directory
	streams   *stream.Manager
	writer    *frameio.Writer
	reporters ReporterFactory
	telemetry func() telemetry.ClientStats
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	active := 0
	for _, e := range h.streams.List() {
		if e.State() == stream.StateStreaming {
			active++
		}
	}

	var mqtt *telemetry.ClientStats
	if h.telemetry != nil {
		stats := h.telemetry()
		mqtt = &stats
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Driver:        h.dir.Driver().Name(),
		Cameras:       len(h.dir.ListDevices(c.Request.Context())),
		ActiveStreams: active,
		FFmpeg:        frameio.NewFFmpegEncoder().ValidateFFmpeg() == nil,
		MQTT:          mqtt,
		Uptime:        time.Since(h.startedAt).Seconds(),
		Timestamp:     time.Now(),
	})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *Handler) GetCameras(c *gin.Context) {
	devices := h.dir.ListDevices(c.Request.Context())
	cameras := make([]CameraInfo, 0, len(devices))

	for _, dev := range devices {
		resolutions := make([]string, 0, len(dev.Capabilities.Resolutions))
		for _, r := range dev.Capabilities.Resolutions {
			resolutions = append(resolutions, r.String())
		}
		formats := dev.Capabilities.Formats
		if formats == nil {
			formats = []string{}
		}

		cameras = append(cameras, CameraInfo{
			ID:     dev.ID,
			Name:   dev.Name,
			Device: dev.Path,
			Driver: dev.Driver,
			InUse:  h.dir.IsOpen(dev.ID),
			Settings: CameraSettings{
				Formats:     formats,
				Resolutions: resolutions,
			},
		})
	}

	c.JSON(http.StatusOK, CamerasResponse{Cameras: cameras})
}

// CaptureFrame は単発キャプチャを行い、エンコードした画像を返す
//
// 優先コーデックが使えない場合は .npy 配列を返し、X-Frame-Fallback を true にする。
func (h *Handler) CaptureFrame(c *gin.Context) {
	ctx := c.Request.Context()
	format := strings.TrimPrefix(strings.ToLower(c.DefaultQuery("format", "png")), ".")

	timeout := h.config.Camera.CaptureTimeout
	if v := c.Query("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondBadRequest(c, "invalid_timeout", fmt.Sprintf("無効なタイムアウト: %q", v))
			return
		}
		timeout = d
	}

	dev, err := h.dir.Resolve(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var frame camera.Frame
	err = camera.WithSession(ctx, h.dir, dev, func(s *camera.Session) error {
		var err error
		frame, err = camera.CaptureWithRetry(ctx, s, timeout, h.config.Camera.Retries)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}

	ext := "." + format
	fallback := false
	name := format

	data, err := h.writer.Encode(frame, ext)
	if err != nil {
		if !errors.Is(err, frameio.ErrCodecUnavailable) {
			respondError(c, err)
			return
		}
		slog.Warn("server: 優先コーデックが利用できないため配列形式で返します", "format", format, "reason", err)

		data, err = h.writer.EncodeFallback(frame)
		if err != nil {
			respondError(c, err)
			return
		}
		ext = frameio.FallbackExt
		name = frameio.FallbackFormat
		fallback = true
	} else if e, ok := h.writer.EncoderFor(ext); ok {
		name = e.Name()
	}

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("X-Frame-Id", strconv.FormatUint(frame.ID, 10))
	c.Header("X-Frame-Width", strconv.Itoa(frame.Width))
	c.Header("X-Frame-Height", strconv.Itoa(frame.Height))
	c.Header("X-Frame-Pixel-Format", string(frame.PixelFormat))
	c.Header("X-Frame-Timestamp", frame.Timestamp.Format(time.RFC3339Nano))
	c.Header("X-Frame-Format", name)
	c.Header("X-Frame-Fallback", strconv.FormatBool(fallback))
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", "frame_"+strconv.FormatUint(frame.ID, 10)+ext))

	c.Data(http.StatusOK, contentType, data)
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (h *Handler) GetCameraStream(c *gin.Context) {
	ctx := c.Request.Context()

	dev, err := h.dir.Resolve(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	sess, err := h.dir.Open(ctx, dev)
	if err != nil {
		respondError(c, err)
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Warn("server: セッションのクローズに失敗", "device", dev.ID, "error", err)
		}
	}()

	// 配信が追いつかない場合は古いフレームを捨てる
	frames := make(chan camera.Frame, 1)
	err = sess.StartStreaming(func(f camera.Frame) {
		select {
		case frames <- f.Clone():
		default:
		}
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.streamMJPEG(c, frames)
}

// streamMJPEG はMJPEGストリームを配信する
func (h *Handler) streamMJPEG(c *gin.Context, frames <-chan camera.Frame) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case frame := <-frames:
			data, err := h.writer.Encode(frame, ".jpg")
			if err != nil {
				slog.Debug("server: プレビューのエンコードに失敗", "frame_id", frame.ID, "error", err)
				continue
			}

			header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
			if _, err := writer.Write([]byte(header)); err != nil {
				return
			}
			if _, err := writer.Write(data); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}

// StartStream はストリーミングを開始する
func (h *Handler) StartStream(c *gin.Context) {
	var req StartStreamRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid_request", err.Error())
			return
		}
	}

	duration := time.Duration(req.DurationSeconds * float64(time.Second))
	if duration < 0 {
		duration = 0
	}

	ctx := c.Request.Context()
	dev, err := h.dir.Resolve(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var reporters []stream.Reporter
	if h.reporters != nil {
		reporters = h.reporters(dev)
	}

	entry, err := h.streams.Start(ctx, dev.ID, duration, reporters...)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newStreamInfo(entry, entry.Stats()))
}

// ListStreams はストリーム一覧を返す
func (h *Handler) ListStreams(c *gin.Context) {
	entries := h.streams.List()
	streams := make([]StreamInfo, 0, len(entries))
	for _, e := range entries {
		streams = append(streams, newStreamInfo(e, e.Stats()))
	}
	c.JSON(http.StatusOK, StreamsResponse{Streams: streams})
}

// GetStream はストリームの現在の統計を返す
func (h *Handler) GetStream(c *gin.Context) {
	entry, ok := h.streams.Get(c.Param("sid"))
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, c.Param("sid")))
		return
	}
	c.JSON(http.StatusOK, newStreamInfo(entry, entry.Stats()))
}

// StopStream はストリームを停止して最終統計を返す
// 停止済みのストリームに対しては同じ最終統計を返す
func (h *Handler) StopStream(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sid := c.Param("sid")
	entry, ok := h.streams.Get(sid)
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, sid))
		return
	}

	final, err := h.streams.Stop(ctx, sid)
	if err != nil {
		respondError(c, err)
		return
	}

	// purge=true の場合は停止後に一覧から取り除く
	if c.Query("purge") == "true" {
		if err := h.streams.Remove(sid); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, newStreamInfo(entry, final))
}

// StreamWebSocket は統計の途中経過と最終統計をWebSocketで配信する
//
// encoding=msgpack の場合はバイナリメッセージで送る。
func (h *Handler) StreamWebSocket(c *gin.Context) {
	entry, ok := h.streams.Get(c.Param("sid"))
	if !ok {
		respondError(c, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, c.Param("sid")))
		return
	}

	encoding := c.DefaultQuery("encoding", "json")
	if encoding != "json" && encoding != "msgpack" {
		respondBadRequest(c, "invalid_encoding", fmt.Sprintf("無効なエンコード形式: %q", encoding))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("server: WebSocketへの切り替えに失敗", "stream", entry.ID, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := entry.Subscribe()
	defer unsubscribe()

	// クライアントの切断を検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return

		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream stopped")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := writeEvent(conn, ev, encoding); err != nil {
				slog.Debug("server: WebSocketへの送信に失敗", "stream", entry.ID, "error", err)
				return
			}
		}
	}
}

// writeEvent はイベントを指定の形式で送信する
func writeEvent(conn *websocket.Conn, ev stream.Event, encoding string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if encoding == "msgpack" {
		data, err := msgpack.Marshal(ev)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}
	return conn.WriteJSON(ev)
}

// ヘルパー関数

// errorStatus はエラーをHTTPステータスとエラーコードに変換する
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrNoDeviceDetected), errors.Is(err, camera.ErrDeviceNotFound):
		return http.StatusNotFound, "camera_not_found"
	case errors.Is(err, stream.ErrStreamNotFound):
		return http.StatusNotFound, "stream_not_found"
	case errors.Is(err, camera.ErrDeviceBusy), errors.Is(err, camera.ErrSessionStreaming):
		return http.StatusConflict, "camera_busy"
	case errors.Is(err, stream.ErrAlreadyStarted):
		return http.StatusConflict, "stream_already_started"
	case errors.Is(err, camera.ErrCaptureTimeout):
		return http.StatusGatewayTimeout, "capture_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// respondError はエラーを対応するステータスで返す
func respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		slog.Error("server: リクエストの処理に失敗", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// respondBadRequest は不正なリクエストを返す
func respondBadRequest(c *gin.Context, code, details string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     code,
		Message:   "リクエストが不正です",
		Details:   stringPtr(details),
		Timestamp: time.Now(),
	})
}

// stringPtr は文字列のポインタを返すヘルパー関数
func stringPtr(s string) *string {
	return &s
}
