package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Encoder.GOPSize != 60 || cfg.Encoder.RateControl != "vbr" || !cfg.Encoder.AUD {
		t.Fatalf("encoder defaults %+v", cfg.Encoder)
	}
	if cfg.HTTP.Addr != ":8081" || cfg.WebRTC.MaxClients != 10 {
		t.Fatalf("server defaults %+v %+v", cfg.HTTP, cfg.WebRTC)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
encoder:
  width: 1920
  height: 1080
  gop_size: 30
  rate_control: cbr
device:
  max_l0_references: 2
  texture_arrays: true
  latency: 5ms
  reconfigure:
    gop: true
output:
  trace_path: /tmp/jobs.trace
http:
  status_interval: 500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Encoder.Width != 1920 || cfg.Encoder.GOPSize != 30 || cfg.Encoder.RateControl != "cbr" {
		t.Fatalf("encoder %+v", cfg.Encoder)
	}
	// untouched keys keep their defaults
	if cfg.Encoder.Bitrate != 2000 || cfg.Encoder.FpsN != 30 {
		t.Fatalf("defaults lost: bitrate=%d fps=%d", cfg.Encoder.Bitrate, cfg.Encoder.FpsN)
	}
	if cfg.Device.MaxL0References != 2 || !cfg.Device.TextureArrays || cfg.Device.Latency != 5*time.Millisecond {
		t.Fatalf("device %+v", cfg.Device)
	}
	if !cfg.Device.Reconfigure.GOP || !cfg.Device.Reconfigure.RateControl {
		t.Fatalf("reconfigure %+v", cfg.Device.Reconfigure)
	}
	if cfg.Output.TracePath != "/tmp/jobs.trace" || cfg.HTTP.StatusInterval != 500*time.Millisecond {
		t.Fatalf("output %+v http %+v", cfg.Output, cfg.HTTP)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"log level", "log:\n  level: loud\n", "log"},
		{"odd width", "encoder:\n  width: 641\n", "encoder"},
		{"rate control", "encoder:\n  rate_control: abr\n", "encoder"},
		{"device level", "device:\n  max_level: \"9\"\n", "device"},
		{"pattern", "source:\n  pattern: noise\n", "source"},
		{"syntax", "encoder: [\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoder.SliceMode = "mb-rows"
	cfg.Encoder.SlicePartition = 2
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Encoder != cfg.Encoder {
		t.Fatalf("encoder settings changed across a round trip:\n got %+v\nwant %+v", got.Encoder, cfg.Encoder)
	}
}
