package sim

import (
	"fmt"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
)

// Reconfigure lists which categories a live session can absorb
type Reconfigure struct {
	RateControl bool `yaml:"rate_control"`
	Layout      bool `yaml:"layout"`
	GOP         bool `yaml:"gop"`
	Resolution  bool `yaml:"resolution"`
}

// Profile is the capability profile of a simulated encoder
type Profile struct {
	Name             string        `yaml:"name"`
	Profiles         []string      `yaml:"profiles"`
	MinLevel         string        `yaml:"min_level"`
	MaxLevel         string        `yaml:"max_level"`
	MaxL0References  uint32        `yaml:"max_l0_references"`
	MaxDPBCapacity   uint32        `yaml:"max_dpb_capacity"`
	MaxWidth         uint32        `yaml:"max_width"`
	MaxHeight        uint32        `yaml:"max_height"`
	RateControlModes []string      `yaml:"rate_control_modes"`
	SliceModes       []string      `yaml:"slice_modes"`
	MaxSlices        uint32        `yaml:"max_slices"`
	TextureArrays    bool          `yaml:"texture_arrays"`
	FrameAnalysis    bool          `yaml:"frame_analysis"`
	InitialQP        bool          `yaml:"initial_qp"`
	QPRange          bool          `yaml:"qp_range"`
	Reconfigure      Reconfigure   `yaml:"reconfigure"`
	Latency          time.Duration `yaml:"latency"`
	MaxTextures      int           `yaml:"max_textures"` // 0 = unlimited
}

// DefaultProfile describes a mid-range desktop encoder
func DefaultProfile() Profile {
	return Profile{
		Name:             "sim-h264",
		Profiles:         []string{"baseline", "main", "high"},
		MinLevel:         "1",
		MaxLevel:         "5.2",
		MaxL0References:  4,
		MaxDPBCapacity:   16,
		MaxWidth:         4096,
		MaxHeight:        4096,
		RateControlModes: []string{"cqp", "cbr", "vbr", "qvbr"},
		SliceModes:       []string{"full", "bytes", "mb-units", "mb-rows", "slices"},
		MaxSlices:        32,
		FrameAnalysis:    true,
		InitialQP:        true,
		QPRange:          true,
		Reconfigure: Reconfigure{
			RateControl: true,
			Layout:      true,
			GOP:         false,
			Resolution:  false,
		},
		Latency: 2 * time.Millisecond,
	}
}

// Validate checks the profile for values the simulator cannot honour
func (p Profile) Validate() error {
	if len(p.Profiles) == 0 {
		return fmt.Errorf("device profile lists no codec profiles")
	}
	for _, name := range p.Profiles {
		if _, err := h264.ParseProfile(name); err != nil {
			return err
		}
	}
	if _, err := h264.ParseLevel(p.MinLevel); err != nil {
		return fmt.Errorf("min_level: %w", err)
	}
	if _, err := h264.ParseLevel(p.MaxLevel); err != nil {
		return fmt.Errorf("max_level: %w", err)
	}
	if len(p.RateControlModes) == 0 {
		return fmt.Errorf("device profile lists no rate control modes")
	}
	for _, name := range p.RateControlModes {
		if _, err := hw.ParseRateControlMode(name); err != nil {
			return err
		}
	}
	for _, name := range p.SliceModes {
		if _, err := hw.ParseSubregionMode(name); err != nil {
			return err
		}
	}
	if p.MaxWidth == 0 || p.MaxHeight == 0 {
		return fmt.Errorf("max_width and max_height must be positive")
	}
	if p.Latency < 0 {
		return fmt.Errorf("latency must not be negative")
	}
	return nil
}
