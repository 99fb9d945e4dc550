package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/trace"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configPath, logLevel, frameLimit = "", "", 0
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func TestCapsReportsResolvedConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "log:\n  level: silent\nencoder:\n  rate_control: qvbr\n  ref_frames: 3\ndevice:\n  rate_control_modes: [cqp, cbr]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out := strings.Join(strings.Fields(execute(t, "caps", "--config", path)), " ")
	for _, want := range []string{"sim-h264", "reference frames 3", "rate control cbr"} {
		if !strings.Contains(out, want) {
			t.Errorf("caps output missing %q:\n%s", want, out)
		}
	}
}

func TestRunEncodesAndTraces(t *testing.T) {
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "jobs.trace")
	body := strings.Join([]string{
		"log:",
		"  level: silent",
		"encoder:",
		"  width: 320",
		"  height: 240",
		"  fps_n: 200",
		"  gop_size: 4",
		"device:",
		"  latency: 0s",
		"output:",
		"  record_path: " + filepath.Join(dir, "rec"),
		"  trace_path: " + tracePath,
		"http:",
		"  addr: 127.0.0.1:0",
		"  metrics_addr: \"\"",
		"",
	}, "\n")
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	execute(t, "run", "--config", path, "--frames", "10")

	f, err := os.Open(tracePath)
	if err != nil {
		t.Fatalf("Open trace: %v", err)
	}
	defer f.Close()
	recs, err := trace.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("traced %d jobs, want 10", len(recs))
	}
	for i, r := range recs {
		wantIDR := i%4 == 0
		if (r.FrameType == h264.FrameTypeIDR) != wantIDR {
			t.Fatalf("job %d: %s", i, r)
		}
	}
}

func TestVersion(t *testing.T) {
	if out := execute(t, "version"); !strings.HasPrefix(out, "hwencoder ") {
		t.Fatalf("version output %q", out)
	}
}
