package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hitomi/internal/camera"
	"hitomi/internal/config"
	"hitomi/internal/frameio"
	"hitomi/internal/stream"
	"hitomi/internal/telemetry"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	handler    *Handler
	streams    *stream.Manager
	router     *gin.Engine
	httpServer *http.Server

	// 全リクエストのコンテキストの親（長時間の配信をシャットダウンで止める）
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// 実際にリッスンしているアドレス（ポート0指定時の確認用）
	addr chan net.Addr
}

// Option はServerの設定を変更する
type Option func(*Server)

// WithReporters はストリームごとの追加の報告先を設定する
func WithReporters(f ReporterFactory) Option {
	return func(s *Server) {
		s.handler.reporters = f
	}
}

// WithWriter はキャプチャ結果のエンコードに使うWriterを設定する
func WithWriter(w *frameio.Writer) Option {
	return func(s *Server) {
		s.handler.writer = w
	}
}

// WithTelemetry はステータスに載せるMQTT送出の統計の取得元を設定する
func WithTelemetry(f func() telemetry.ClientStats) Option {
	return func(s *Server) {
		s.handler.telemetry = f
	}
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, dir *camera.Directory, opts ...Option) *Server {
	streams := stream.NewManager(dir, cfg.StreamOptions()...)
	streams.SetRetention(cfg.Stream.Retention)

	s := &Server{
		config:  cfg,
		streams: streams,
		handler: &Handler{
			config:  cfg,
			dir:     dir,
			streams: streams,
			writer:  frameio.NewWriter(),
			upgrader: websocket.Upgrader{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
			startedAt: time.Now(),
		},
		addr: make(chan net.Addr, 1),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return s.baseCtx
		},
	}
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// Streams はストリームの管理を返す
func (s *Server) Streams() *stream.Manager {
	return s.streams
}

// Addr はリッスンを開始したアドレスを返す
func (s *Server) Addr() <-chan net.Addr {
	return s.addr
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := s.handler

	// ヘルスチェックエンドポイント
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/status", h.GetStatus)

		api.GET("/cameras", h.GetCameras)
		api.POST("/cameras/:id/capture", h.CaptureFrame)
		api.GET("/cameras/:id/stream", h.GetCameraStream)
		api.POST("/cameras/:id/streams", h.StartStream)

		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:sid", h.GetStream)
		api.DELETE("/streams/:sid", h.StopStream)
		api.GET("/streams/:sid/ws", h.StreamWebSocket)
	}

	return router
}

// requestLogger はリクエストをslogで記録するミドルウェア
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.Debug("server: リクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// Start はサーバーを起動する
// ctxの終了かSIGINT/SIGTERMの受信でグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.addr <- ln.Addr()

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		slog.Info("server: HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		slog.Info("server: コンテキストがキャンセルされました")
	case sig := <-sigCh:
		slog.Info("server: シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown は全てのストリームを停止してからサーバーをシャットダウンする
func (s *Server) Shutdown() error {
	slog.Info("server: サーバーをシャットダウンしています")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.cancelBase()

	var errs []error
	if err := s.streams.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	slog.Info("server: サーバーが正常にシャットダウンされました")
	return nil
}
