package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Directory はデバイスの列挙・解決と、デバイスごとの排他的なオープンを管理する
type Directory struct {
	driver Driver

	// オープン中のデバイスID → セッションID
	open map[string]string
	mu   sync.Mutex
}

// NewDirectory は新しいDirectoryを作成する
func NewDirectory(driver Driver) *Directory {
	return &Directory{
		driver: driver,
		open:   make(map[string]string),
	}
}

// Driver は使用中のドライバーを返す
func (d *Directory) Driver() Driver {
	return d.driver
}

// ListDevices は利用可能なデバイス一覧を返す
// 列挙に失敗した場合は空の一覧を返す
func (d *Directory) ListDevices(ctx context.Context) []Device {
	devices, err := d.driver.Scan(ctx)
	if err != nil {
		slog.Warn("camera: デバイスの列挙に失敗しました", "driver", d.driver.Name(), "error", err)
		return []Device{}
	}
	if devices == nil {
		return []Device{}
	}
	return devices
}

// Resolve はデバイスを解決する
//
// id が空の場合は最初に列挙されたデバイスを返し、1台もなければ
// ErrNoDeviceDetected を返す。id が指定された場合は ID またはデバイスパスの
// 完全一致で検索し、なければ ErrDeviceNotFound を返す。
func (d *Directory) Resolve(ctx context.Context, id string) (Device, error) {
	devices := d.ListDevices(ctx)

	if id == "" {
		if len(devices) == 0 {
			return Device{}, ErrNoDeviceDetected
		}
		return devices[0], nil
	}

	for _, dev := range devices {
		if dev.ID == id || dev.Path == id {
			return dev, nil
		}
	}

	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// Open はデバイスを開いてセッションを作成する
// 既に他のセッションが開いている場合は ErrDeviceBusy を返す
func (d *Directory) Open(ctx context.Context, dev Device) (*Session, error) {
	s := newSession(d, dev)

	// 先に予約してからドライバーを開く（ドライバーのオープン中に他から開かれないように）
	d.mu.Lock()
	if owner, exists := d.open[dev.ID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (セッション %s)", ErrDeviceBusy, dev.ID, owner)
	}
	d.open[dev.ID] = s.ID
	d.mu.Unlock()

	handle, err := d.driver.Open(ctx, dev)
	if err != nil {
		d.release(dev.ID)
		return nil, fmt.Errorf("カメラ %s のオープンに失敗: %w", dev.ID, err)
	}
	s.handle = handle

	slog.Debug("camera: セッションを開きました", "device", dev.ID, "session", s.ID)
	return s, nil
}

// IsOpen は指定デバイスがオープン中かどうかを返す
func (d *Directory) IsOpen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.open[id]
	return exists
}

// release はデバイスの予約を解除する
func (d *Directory) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, id)
}
