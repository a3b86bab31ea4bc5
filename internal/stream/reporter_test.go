package stream

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf)

	r.Progress(ComputeStats(150, 5*time.Second))
	r.Final(ComputeStats(300, 10*time.Second))

	want := "Elapsed: 5.0s, Frames: 150, FPS: 30.00\n" +
		"\n" +
		"Capture Complete:\n" +
		"  Duration:  10.00 seconds\n" +
		"  Frames:    300\n" +
		"  Avg FPS:   30.00\n"

	if got := buf.String(); got != want {
		t.Errorf("Unexpected output:\n%q\nwant:\n%q", got, want)
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewLogReporter(logger)

	r.Progress(ComputeStats(150, 5*time.Second))
	r.Final(ComputeStats(300, 10*time.Second))

	out := buf.String()
	for _, want := range []string{"stream: progress", "frames=150", "stream: complete", "frames=300"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log to contain %q, got %s", want, out)
		}
	}
}

func TestMultiReporter(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	m := MultiReporter{a, nil, b}

	m.Progress(ComputeStats(1, time.Second))
	m.Final(ComputeStats(2, time.Second))

	for i, r := range []*recordingReporter{a, b} {
		if len(r.progress) != 1 || len(r.final) != 1 {
			t.Errorf("reporter %d: expected 1 progress and 1 final, got %d and %d",
				i, len(r.progress), len(r.final))
		}
	}
}
