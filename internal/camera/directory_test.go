package camera

import (
	"context"
	"errors"
	"testing"
)

func TestDirectory_ListDevices(t *testing.T) {
	ctx := context.Background()
	driver := NewSyntheticDriver(
		SyntheticDevice{ID: "sim0"},
		SyntheticDevice{ID: "sim1"},
	)
	dir := NewDirectory(driver)

	devices := dir.ListDevices(ctx)
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}
	if devices[0].ID != "sim0" || devices[1].ID != "sim1" {
		t.Errorf("Unexpected device order: %s, %s", devices[0].ID, devices[1].ID)
	}

	// 列挙エラーは空の一覧になる
	driver.SetScanError(errors.New("bus error"))
	devices = dir.ListDevices(ctx)
	if devices == nil || len(devices) != 0 {
		t.Errorf("Expected empty non-nil list on scan error, got %v", devices)
	}
}

func TestDirectory_Resolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		devices []SyntheticDevice
		id      string
		wantID  string
		wantErr error
	}{
		{
			name:    "absent id with no devices",
			id:      "",
			wantErr: ErrNoDeviceDetected,
		},
		{
			name:    "absent id picks first device",
			devices: []SyntheticDevice{{ID: "sim0"}, {ID: "sim1"}},
			id:      "",
			wantID:  "sim0",
		},
		{
			name:    "explicit id",
			devices: []SyntheticDevice{{ID: "sim0"}, {ID: "sim1"}},
			id:      "sim1",
			wantID:  "sim1",
		},
		{
			name:    "explicit path",
			devices: []SyntheticDevice{{ID: "sim0"}, {ID: "sim1"}},
			id:      "synthetic://sim1",
			wantID:  "sim1",
		},
		{
			name:    "unknown id",
			devices: []SyntheticDevice{{ID: "sim0"}},
			id:      "X",
			wantErr: ErrDeviceNotFound,
		},
		{
			name:    "unknown id with no devices",
			id:      "X",
			wantErr: ErrDeviceNotFound,
		},
		{
			name:    "prefix is not a match",
			devices: []SyntheticDevice{{ID: "sim10"}},
			id:      "sim1",
			wantErr: ErrDeviceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := NewDirectory(NewSyntheticDriver(tt.devices...))

			dev, err := dir.Resolve(ctx, tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if dev.ID != tt.wantID {
				t.Errorf("Expected %s, got %s", tt.wantID, dev.ID)
			}
		})
	}
}

func TestDirectory_ResolveDeterministic(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(NewSyntheticDriver(SyntheticDevice{ID: "a"}, SyntheticDevice{ID: "b"}))

	for i := 0; i < 10; i++ {
		dev, err := dir.Resolve(ctx, "")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if dev.ID != "a" {
			t.Fatalf("Expected a, got %s", dev.ID)
		}
	}
}

func TestDirectory_OpenBusy(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(NewSyntheticDriver(SyntheticDevice{ID: "sim0"}))

	dev, err := dir.Resolve(ctx, "sim0")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	s1, err := dir.Open(ctx, dev)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !dir.IsOpen("sim0") {
		t.Error("Expected device to be open")
	}

	if _, err := dir.Open(ctx, dev); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Expected ErrDeviceBusy, got %v", err)
	}

	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if dir.IsOpen("sim0") {
		t.Error("Expected device to be released after Close")
	}

	// 解放後は再度開ける
	s2, err := dir.Open(ctx, dev)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()
}

func TestDirectory_OpenDriverFailureReleases(t *testing.T) {
	ctx := context.Background()
	driver := NewSyntheticDriver(SyntheticDevice{ID: "sim0"})
	dir := NewDirectory(driver)

	dev, err := dir.Resolve(ctx, "sim0")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// 列挙後にデバイスが消えた場合
	driver.RemoveDevice("sim0")

	if _, err := dir.Open(ctx, dev); err == nil {
		t.Fatal("Expected Open to fail for a removed device")
	}
	if dir.IsOpen("sim0") {
		t.Error("Expected reservation to be released after a failed open")
	}
}
