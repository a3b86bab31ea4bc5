package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"hitomi/internal/camera"
)

func newTestManager(t *testing.T, devices ...camera.SyntheticDevice) (*Manager, *camera.Directory) {
	t.Helper()

	dir := camera.NewDirectory(camera.NewSyntheticDriver(devices...))
	m := NewManager(dir, WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.StopAll(ctx); err != nil {
			t.Errorf("StopAll failed: %v", err)
		}
	})
	return m, dir
}

func TestManager_StartStop(t *testing.T) {
	m, dir := newTestManager(t, camera.SyntheticDevice{ID: "cam0", FPS: 200, Width: 8, Height: 8})
	ctx := context.Background()

	entry, err := m.Start(ctx, "", 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if entry.Device.ID != "cam0" {
		t.Errorf("Expected first device cam0, got %s", entry.Device.ID)
	}
	if !dir.IsOpen("cam0") {
		t.Error("Expected device to be held open while streaming")
	}

	// 同じデバイスは同時に開けない
	if _, err := m.Start(ctx, "cam0", 0); !errors.Is(err, camera.ErrDeviceBusy) {
		t.Errorf("Expected ErrDeviceBusy, got %v", err)
	}

	got, ok := m.Get(entry.ID)
	if !ok || got != entry {
		t.Fatalf("Expected Get to return the started entry")
	}

	time.Sleep(50 * time.Millisecond)

	final, err := m.Stop(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if final.FrameCount == 0 {
		t.Error("Expected some frames to be delivered")
	}
	if entry.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", entry.State())
	}
	if dir.IsOpen("cam0") {
		t.Error("Expected device to be released after Stop")
	}

	// 2回目のStopは同じ最終統計を返す
	again, err := m.Stop(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	if again != final {
		t.Errorf("Expected identical final stats, got %+v and %+v", final, again)
	}
}

func TestManager_DurationBound(t *testing.T) {
	m, dir := newTestManager(t, camera.SyntheticDevice{ID: "cam0", FPS: 100, Width: 4, Height: 4})

	rec := &recordingReporter{}
	entry, err := m.Start(context.Background(), "cam0", 30*time.Millisecond, rec)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-entry.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not stop after its duration")
	}

	if dir.IsOpen("cam0") {
		t.Error("Expected device to be released")
	}
	if len(rec.final) != 1 {
		t.Errorf("Expected 1 final report, got %d", len(rec.final))
	}
	if got := entry.Stats(); got != rec.final[0] {
		t.Errorf("Expected entry stats to equal reported final stats")
	}
}

func TestManager_Retention(t *testing.T) {
	m, _ := newTestManager(t, camera.SyntheticDevice{ID: "cam0", FPS: 100, Width: 4, Height: 4})
	m.SetRetention(20 * time.Millisecond)

	entry, err := m.Start(context.Background(), "cam0", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-entry.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not stop after its duration")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Get(entry.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected stopped stream to be evicted after the retention period")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(m.List()) != 0 {
		t.Errorf("Expected empty list, got %d entries", len(m.List()))
	}
}

func TestManager_RetentionDisabled(t *testing.T) {
	m, _ := newTestManager(t, camera.SyntheticDevice{ID: "cam0", FPS: 100, Width: 4, Height: 4})
	m.SetRetention(0)

	entry, err := m.Start(context.Background(), "cam0", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-entry.Done()
	time.Sleep(50 * time.Millisecond)

	if _, ok := m.Get(entry.ID); !ok {
		t.Error("Expected stopped stream to be kept when retention is disabled")
	}
}

func TestManager_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no device", func(t *testing.T) {
		m, _ := newTestManager(t)
		if _, err := m.Start(ctx, "", 0); !errors.Is(err, camera.ErrNoDeviceDetected) {
			t.Errorf("Expected ErrNoDeviceDetected, got %v", err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		m, _ := newTestManager(t, camera.SyntheticDevice{ID: "cam0"})
		if _, err := m.Start(ctx, "nope", 0); !errors.Is(err, camera.ErrDeviceNotFound) {
			t.Errorf("Expected ErrDeviceNotFound, got %v", err)
		}
	})

	t.Run("unknown stream", func(t *testing.T) {
		m, _ := newTestManager(t)
		if _, err := m.Stop(ctx, "missing"); !errors.Is(err, ErrStreamNotFound) {
			t.Errorf("Expected ErrStreamNotFound, got %v", err)
		}
		if err := m.Remove("missing"); !errors.Is(err, ErrStreamNotFound) {
			t.Errorf("Expected ErrStreamNotFound, got %v", err)
		}
	})
}

func TestManager_ListAndRemove(t *testing.T) {
	m, _ := newTestManager(t,
		camera.SyntheticDevice{ID: "cam0", Width: 4, Height: 4},
		camera.SyntheticDevice{ID: "cam1", Width: 4, Height: 4},
	)
	ctx := context.Background()

	a, err := m.Start(ctx, "cam0", 0)
	if err != nil {
		t.Fatalf("Start cam0 failed: %v", err)
	}
	b, err := m.Start(ctx, "cam1", 0)
	if err != nil {
		t.Fatalf("Start cam1 failed: %v", err)
	}

	if got := len(m.List()); got != 2 {
		t.Fatalf("Expected 2 streams, got %d", got)
	}

	// 実行中は削除できない
	if err := m.Remove(a.ID); err == nil {
		t.Error("Expected Remove of a running stream to fail")
	}

	if _, err := m.Stop(ctx, a.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := m.Remove(a.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	list := m.List()
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("Expected only cam1 stream to remain")
	}
}

func TestManager_StopAll(t *testing.T) {
	dir := camera.NewDirectory(camera.NewSyntheticDriver(camera.SyntheticDevice{ID: "cam0", Width: 4, Height: 4}))
	m := NewManager(dir, WithPollInterval(5*time.Millisecond))

	entry, err := m.Start(context.Background(), "cam0", 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}

	if entry.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", entry.State())
	}
	if dir.IsOpen("cam0") {
		t.Error("Expected device to be released")
	}

	// 停止後は新しいストリームを開始できない
	if _, err := m.Start(context.Background(), "cam0", 0); err == nil {
		t.Error("Expected Start after StopAll to fail")
	}
}
