package encoder

import (
	"encoding/json"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
)

// Settings are the user-visible encoder properties. Bitrates are in kbps.
type Settings struct {
	Width          uint32 `yaml:"width" json:"width"`
	Height         uint32 `yaml:"height" json:"height"`
	FpsN           uint32 `yaml:"fps_n" json:"fps_n"`
	FpsD           uint32 `yaml:"fps_d" json:"fps_d"`
	Profile        string `yaml:"profile" json:"profile"`
	AUD            bool   `yaml:"aud" json:"aud"`
	GOPSize        uint32 `yaml:"gop_size" json:"gop_size"`     // 0 = single IDR
	RefFrames      uint32 `yaml:"ref_frames" json:"ref_frames"` // 0 = pick for me
	RateControl    string `yaml:"rate_control" json:"rate_control"`
	Bitrate        uint32 `yaml:"bitrate" json:"bitrate"`
	MaxBitrate     uint32 `yaml:"max_bitrate" json:"max_bitrate"`
	QVBRQuality    uint32 `yaml:"qvbr_quality" json:"qvbr_quality"`
	QPInit         uint32 `yaml:"qp_init" json:"qp_init"`
	QPMin          uint32 `yaml:"qp_min" json:"qp_min"`
	QPMax          uint32 `yaml:"qp_max" json:"qp_max"`
	QPI            uint32 `yaml:"qp_i" json:"qp_i"`
	QPP            uint32 `yaml:"qp_p" json:"qp_p"`
	QPB            uint32 `yaml:"qp_b" json:"qp_b"`
	FrameAnalysis  bool   `yaml:"frame_analysis" json:"frame_analysis"`
	SliceMode      string `yaml:"slice_mode" json:"slice_mode"`
	SlicePartition uint32 `yaml:"slice_partition" json:"slice_partition"`
}

// DefaultSettings returns the encoder defaults
func DefaultSettings() Settings {
	return Settings{
		Width:       1280,
		Height:      720,
		FpsN:        30,
		FpsD:        1,
		Profile:     "high",
		AUD:         true,
		GOPSize:     60,
		RateControl: "vbr",
		Bitrate:     2000,
		MaxBitrate:  4000,
		QVBRQuality: 23,
		QPI:         23,
		QPP:         23,
		QPB:         23,
		SliceMode:   "full",
	}
}

const maxQP = 51

// Validate rejects settings no device could encode
func (s Settings) Validate() error {
	if s.Width == 0 || s.Height == 0 {
		return fmt.Errorf("resolution must be positive, got %dx%d", s.Width, s.Height)
	}
	if s.Width%2 != 0 || s.Height%2 != 0 {
		return fmt.Errorf("resolution must be even for 4:2:0 input, got %dx%d", s.Width, s.Height)
	}
	if s.FpsN == 0 || s.FpsD == 0 {
		return fmt.Errorf("framerate must be positive, got %d/%d", s.FpsN, s.FpsD)
	}
	if _, err := h264.ParseProfile(s.Profile); err != nil {
		return err
	}
	if _, err := hw.ParseRateControlMode(s.RateControl); err != nil {
		return err
	}
	if _, err := hw.ParseSubregionMode(s.SliceMode); err != nil {
		return err
	}
	for name, qp := range map[string]uint32{
		"qp_init": s.QPInit, "qp_min": s.QPMin, "qp_max": s.QPMax,
		"qp_i": s.QPI, "qp_p": s.QPP, "qp_b": s.QPB,
	} {
		if qp > maxQP {
			return fmt.Errorf("%s must be at most %d, got %d", name, maxQP, qp)
		}
	}
	if s.QVBRQuality == 0 || s.QVBRQuality > maxQP {
		return fmt.Errorf("qvbr_quality must be in [1,%d], got %d", maxQP, s.QVBRQuality)
	}
	return nil
}

// Merge applies a partial JSON settings document over s and validates the result
func (s Settings) Merge(patch []byte) (Settings, error) {
	next := s
	if err := json.Unmarshal(patch, &next); err != nil {
		return s, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}
