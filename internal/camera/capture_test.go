package camera

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCapture_Success(t *testing.T) {
	formats := []PixelFormat{
		PixelFormatMono8,
		PixelFormatMono16,
		PixelFormatRGB8,
		PixelFormatBGR8,
		PixelFormatRGBA8,
		PixelFormatYUYV,
		PixelFormatMJPEG,
	}

	for _, pf := range formats {
		t.Run(string(pf), func(t *testing.T) {
			_, s := openTestSession(t, SyntheticDevice{ID: "sim0", FPS: 100, Width: 16, Height: 8, PixelFormat: pf})
			defer s.Close()

			frame, err := Capture(context.Background(), s, time.Second)
			if err != nil {
				t.Fatalf("Capture failed: %v", err)
			}

			if frame.Width != 16 || frame.Height != 8 {
				t.Errorf("Expected 16x8, got %dx%d", frame.Width, frame.Height)
			}
			if frame.PixelFormat != pf {
				t.Errorf("Expected %s, got %s", pf, frame.PixelFormat)
			}
			if frame.ID == 0 {
				t.Error("Expected frame ID to be set")
			}
			if frame.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
			if frame.TraceID == "" {
				t.Error("Expected trace ID to be set")
			}
			if bpp := pf.BytesPerPixel(); bpp > 0 && len(frame.Data) != 16*8*bpp {
				t.Errorf("Expected %d bytes, got %d", 16*8*bpp, len(frame.Data))
			}
			if len(frame.Data) == 0 {
				t.Error("Expected frame data")
			}
		})
	}
}

func TestCapture_FrameIDsIncrease(t *testing.T) {
	_, s := openTestSession(t, SyntheticDevice{ID: "sim0", FPS: 200, Width: 4, Height: 4})
	defer s.Close()

	var last uint64
	for i := 0; i < 3; i++ {
		frame, err := Capture(context.Background(), s, time.Second)
		if err != nil {
			t.Fatalf("Capture %d failed: %v", i, err)
		}
		if frame.ID <= last {
			t.Errorf("Expected increasing frame IDs, got %d after %d", frame.ID, last)
		}
		last = frame.ID
	}
}

func TestCapture_Timeout(t *testing.T) {
	_, s := openTestSession(t, SyntheticDevice{ID: "sim0", Stall: true})
	defer s.Close()

	timeout := 50 * time.Millisecond
	start := time.Now()
	frame, err := Capture(context.Background(), s, timeout)
	waited := time.Since(start)

	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("Expected ErrCaptureTimeout, got %v", err)
	}
	if frame.Data != nil || frame.ID != 0 {
		t.Errorf("Expected no frame on timeout, got %+v", frame)
	}
	if waited < timeout {
		t.Errorf("Timed out before the deadline: %v < %v", waited, timeout)
	}

	// タイムアウト後もすぐに次のキャプチャを開始できる
	_, err = Capture(context.Background(), s, timeout)
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Errorf("Expected second capture to time out cleanly, got %v", err)
	}
}

// lateDriver はctxを見ずに一定時間後にフレームを返すドライバー
type lateDriver struct {
	delay time.Duration
}

func (d lateDriver) Name() string { return "late" }

func (d lateDriver) Scan(context.Context) ([]Device, error) {
	return []Device{{ID: "late0", Name: "Late Camera", Driver: "late"}}, nil
}

func (d lateDriver) Open(context.Context, Device) (Handle, error) {
	return &lateHandle{delay: d.delay}, nil
}

type lateHandle struct {
	delay time.Duration
}

func (h *lateHandle) Acquire(context.Context) (Frame, error) {
	time.Sleep(h.delay)
	return Frame{ID: 1, Width: 1, Height: 1, PixelFormat: PixelFormatMono8, Data: []byte{0}}, nil
}

func (h *lateHandle) StartStreaming(FrameHandler) error { return nil }
func (h *lateHandle) StopStreaming() error              { return nil }
func (h *lateHandle) Close() error                      { return nil }

func TestCapture_LateFrame(t *testing.T) {
	tests := []struct {
		name    string
		delay   time.Duration
		timeout time.Duration
		wantErr bool
	}{
		{"期限内", 10 * time.Millisecond, time.Second, false},
		{"期限後に到着", 150 * time.Millisecond, 50 * time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := NewDirectory(lateDriver{delay: tt.delay})
			dev, err := dir.Resolve(ctx, "")
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			s, err := dir.Open(ctx, dev)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer s.Close()

			frame, err := Capture(ctx, s, tt.timeout)
			if tt.wantErr {
				if !errors.Is(err, ErrCaptureTimeout) {
					t.Fatalf("Expected ErrCaptureTimeout, got %v", err)
				}
				if frame.ID != 0 || frame.Data != nil {
					t.Errorf("Expected no frame after the deadline, got %+v", frame)
				}
				return
			}
			if err != nil {
				t.Fatalf("Capture failed: %v", err)
			}
			if frame.ID != 1 {
				t.Errorf("Expected frame 1, got %d", frame.ID)
			}
		})
	}
}

func TestCapture_ParentCancel(t *testing.T) {
	_, s := openTestSession(t, SyntheticDevice{ID: "sim0", Stall: true})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Capture(ctx, s, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrCaptureTimeout) {
		t.Error("Parent cancellation must not be reported as a timeout")
	}
}

func TestCaptureWithRetry(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		_, s := openTestSession(t, SyntheticDevice{ID: "sim0", Stall: true})
		defer s.Close()

		start := time.Now()
		_, err := CaptureWithRetry(context.Background(), s, 20*time.Millisecond, 2)
		if !errors.Is(err, ErrCaptureTimeout) {
			t.Fatalf("Expected ErrCaptureTimeout, got %v", err)
		}
		if waited := time.Since(start); waited < 60*time.Millisecond {
			t.Errorf("Expected 3 attempts, finished after %v", waited)
		}
	})

	t.Run("success", func(t *testing.T) {
		_, s := openTestSession(t, SyntheticDevice{ID: "sim0", FPS: 100})
		defer s.Close()

		if _, err := CaptureWithRetry(context.Background(), s, time.Second, 2); err != nil {
			t.Fatalf("CaptureWithRetry failed: %v", err)
		}
	})

	t.Run("non-timeout error is not retried", func(t *testing.T) {
		_, s := openTestSession(t, SyntheticDevice{ID: "sim0"})
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		if _, err := CaptureWithRetry(context.Background(), s, time.Second, 5); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Expected ErrSessionClosed, got %v", err)
		}
	})
}

func TestFrame_Clone(t *testing.T) {
	f := Frame{ID: 1, Data: []byte{1, 2, 3}}
	c := f.Clone()
	c.Data[0] = 9

	if f.Data[0] != 1 {
		t.Error("Clone must not share the data buffer")
	}
}
