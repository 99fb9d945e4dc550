package encoder

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
)

// Snapshot is the resolved configuration of one frame. It is a value: the
// controller keeps the previous one and compares it with ==.
type Snapshot struct {
	Profile     h264.Profile
	Level       h264.Level
	Width       uint32
	Height      uint32
	FpsN        uint32
	FpsD        uint32
	Gop         h264.GopStruct
	RefFrames   uint32
	RateControl hw.RateControl
	RCFlags     hw.RateControlFlags
	Layout      hw.SliceLayout
	Support     hw.SupportFlags
}

// Diff reports which categories differ between s and next.
// Framerate belongs to rate control since it sets the per-frame budget.
func (s Snapshot) Diff(next Snapshot) hw.SequenceFlags {
	var f hw.SequenceFlags
	if s.RateControl != next.RateControl || s.RCFlags != next.RCFlags ||
		s.FpsN != next.FpsN || s.FpsD != next.FpsD {
		f |= hw.SequenceRateControlChange
	}
	if s.Layout != next.Layout {
		f |= hw.SequenceSubregionLayoutChange
	}
	if s.Gop != next.Gop || s.RefFrames != next.RefFrames {
		f |= hw.SequenceGOPChange
	}
	if s.Width != next.Width || s.Height != next.Height {
		f |= hw.SequenceResolutionChange
	}
	return f
}

// Tolerates reports whether a live session can absorb changes
func (s Snapshot) Tolerates(changes hw.SequenceFlags) bool {
	need := map[hw.SequenceFlags]hw.SupportFlags{
		hw.SequenceRateControlChange:     hw.SupportRateControlReconfiguration,
		hw.SequenceSubregionLayoutChange: hw.SupportSubregionLayoutReconfiguration,
		hw.SequenceGOPChange:             hw.SupportSequenceGOPReconfiguration,
		hw.SequenceResolutionChange:      hw.SupportResolutionReconfiguration,
	}
	for change, flag := range need {
		if changes&change != 0 && !s.Support.Has(flag) {
			return false
		}
	}
	return true
}

// SessionConfig returns the hardware session state for s
func (s Snapshot) SessionConfig(id string) hw.SessionConfig {
	return hw.SessionConfig{
		ID:          id,
		Profile:     s.Profile,
		Level:       s.Level,
		Width:       s.Width,
		Height:      s.Height,
		FpsN:        s.FpsN,
		FpsD:        s.FpsD,
		RateControl: s.RateControl,
		RCFlags:     s.RCFlags,
		Layout:      s.Layout,
		Gop:         s.Gop,
		MaxRefs:     s.RefFrames,
	}
}

// SequenceParams returns the inputs for building the parameter sets of s
func (s Snapshot) SequenceParams() h264.SequenceParams {
	return h264.SequenceParams{
		Profile:      s.Profile,
		Level:        s.Level,
		Width:        s.Width,
		Height:       s.Height,
		FpsN:         s.FpsN,
		FpsD:         s.FpsD,
		Gop:          s.Gop,
		MaxRefFrames: s.RefFrames,
	}
}
