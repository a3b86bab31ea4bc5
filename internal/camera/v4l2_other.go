//go:build !linux

package camera

import (
	"context"
	"errors"
)

// errV4L2Unsupported はLinux以外でV4L2ドライバーを使おうとしたことを示す
var errV4L2Unsupported = errors.New("V4L2ドライバーはLinuxでのみ利用できます")

// V4L2Driver はLinux以外では何も列挙しない
type V4L2Driver struct {
	Width       int
	Height      int
	BufferCount uint32
}

// NewV4L2Driver は新しいV4L2Driverを作成する
func NewV4L2Driver(width, height int) *V4L2Driver {
	return &V4L2Driver{Width: width, Height: height}
}

// Name はドライバー名を返す
func (d *V4L2Driver) Name() string {
	return "v4l2"
}

// Scan は常にエラーを返す
func (d *V4L2Driver) Scan(_ context.Context) ([]Device, error) {
	return nil, errV4L2Unsupported
}

// Open は常にエラーを返す
func (d *V4L2Driver) Open(_ context.Context, _ Device) (Handle, error) {
	return nil, errV4L2Unsupported
}
