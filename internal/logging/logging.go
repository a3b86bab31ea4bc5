// Package logging はlog/slogの初期化を担当する
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// 出力形式
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel はログレベル名をslog.Levelに変換する
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("不明なログレベルです: %q", level)
}

// New はwへ書き出すロガーを作成する
// formatが json の場合はJSON、それ以外はテキスト形式になる
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("不明なログ形式です: %q", format)
}

// Init は標準エラー出力へのロガーを作成してデフォルトに設定する
func Init(level, format string) (*slog.Logger, error) {
	logger, err := New(os.Stderr, level, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
