package encoder

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
)

// Decision is the outcome of resolving settings for one frame
type Decision struct {
	Snapshot Snapshot
	Changes  hw.SequenceFlags // categories that differ from the previous frame
	// Initial is set for the first frame after NewController or Reset
	Initial bool
	// NewSession is set when the live session cannot absorb the changes
	NewSession bool
	// RebuildParams is set when SPS/PPS must be regenerated
	RebuildParams bool
	// RebuildDPB is set when the reference storage must be recreated
	RebuildDPB bool
}

// Controller resolves user settings against device capabilities each frame
// and decides how the hardware session has to follow. It owns the GOP
// sequencer. Not safe for concurrent use.
type Controller struct {
	dev  hw.Device
	seq  *h264.Sequencer
	prev *Snapshot
}

// NewController creates a controller for dev
func NewController(dev hw.Device) *Controller {
	return &Controller{dev: dev, seq: h264.NewSequencer()}
}

// Sequencer returns the GOP sequencer driven by the controller
func (c *Controller) Sequencer() *h264.Sequencer {
	return c.seq
}

// Current returns the last resolved snapshot
func (c *Controller) Current() (Snapshot, bool) {
	if c.prev == nil {
		return Snapshot{}, false
	}
	return *c.prev, true
}

// Reset forgets the previous snapshot so the next Resolve starts a new session
func (c *Controller) Reset() {
	c.prev = nil
}

// Resolve computes the configuration for the next frame. A requested
// keyframe is applied to the sequencer before anything else.
func (c *Controller) Resolve(s Settings, forceKeyFrame bool) (Decision, error) {
	if forceKeyFrame {
		c.seq.ForceKeyUnit()
	}

	requested, err := h264.ParseProfile(s.Profile)
	if err != nil {
		return Decision{}, err
	}
	caps := c.dev.Caps()
	profile := c.resolveProfile(caps, requested)

	refs := resolveRefFrames(caps, s.GOPSize, s.RefFrames)
	gopLength := s.GOPSize
	if refs == 0 {
		gopLength = 1
	}
	gop := h264.NewGopStruct(gopLength)

	next := Snapshot{
		Profile:   profile,
		Width:     s.Width,
		Height:    s.Height,
		FpsN:      s.FpsN,
		FpsD:      s.FpsD,
		Gop:       gop,
		RefFrames: refs,
	}

	if c.prev == nil || c.prev.Gop != gop || c.prev.RefFrames != refs {
		c.seq.Init(gopLength)
	}

	mode := c.resolveRateControlMode(s.RateControl)
	if !c.dev.RateControlSupported(mode) {
		return Decision{}, fmt.Errorf("%w: no supported rate control mode", ErrUnsupportedConfig)
	}

	req := hw.SupportRequest{
		Profile:     profile,
		Width:       s.Width,
		Height:      s.Height,
		FpsN:        s.FpsN,
		FpsD:        s.FpsD,
		RateControl: buildRateControl(s, mode, 0),
		Layout:      hw.FullFrameLayout,
		Gop:         gop,
		RefFrames:   refs,
	}
	res, err := c.dev.CheckSupport(req)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to query support: %w", err)
	}
	if !res.OK() {
		return Decision{}, fmt.Errorf("%w: %dx%d %s %s refs=%d (validation %#x)",
			ErrUnsupportedConfig, s.Width, s.Height, profile, mode, refs, uint32(res.Validation))
	}
	next.Support = res.Flags
	next.Level = res.SuggestedLevel

	next.RCFlags = resolveRCFlags(s, mode, res.Flags)
	next.RateControl = buildRateControl(s, mode, next.RCFlags)
	req.RateControl = next.RateControl
	req.RCFlags = next.RCFlags
	next.Layout = c.resolveLayout(s, req)

	d := Decision{Snapshot: next}
	if c.prev == nil {
		d.Initial = true
		d.NewSession = true
		d.RebuildParams = true
		d.RebuildDPB = true
	} else {
		prev := *c.prev
		d.Changes = prev.Diff(next)
		d.NewSession = !next.Tolerates(d.Changes) ||
			prev.Level != next.Level || prev.Profile != next.Profile
		d.RebuildDPB = d.NewSession || d.Changes&(hw.SequenceGOPChange|hw.SequenceResolutionChange) != 0
		d.RebuildParams = d.RebuildDPB || prev.FpsN != next.FpsN || prev.FpsD != next.FpsD
		if d.RebuildParams {
			// new parameter sets only take effect at an IDR
			c.seq.ForceKeyUnit()
		}
		if d.NewSession {
			logger.Info("Controller", "Session teardown: changes=%s level %s->%s profile %s->%s",
				d.Changes, prev.Level, next.Level, prev.Profile, next.Profile)
		} else if d.Changes != 0 {
			logger.Debug("Controller", "Reconfiguring live session: %s", d.Changes)
		}
	}

	c.prev = &next
	return d, nil
}

// resolveRefFrames clamps the requested reference count to the hardware.
// Zero means all-intra; a request of zero picks a single reference.
func resolveRefFrames(caps hw.Caps, gopSize, requested uint32) uint32 {
	limit := min(caps.MaxL0ReferencesForP, caps.MaxDPBCapacity)
	if limit == 0 || gopSize == 1 {
		return 0
	}
	if requested == 0 {
		return 1
	}
	return min(requested, limit)
}

// profileFallbackOrder is tried when the requested profile is not offered
var profileFallbackOrder = []h264.Profile{h264.ProfileMain, h264.ProfileHigh, h264.ProfileBaseline}

func (c *Controller) resolveProfile(caps hw.Caps, requested h264.Profile) h264.Profile {
	if caps.SupportsProfile(requested) {
		return requested
	}
	for _, fallback := range profileFallbackOrder {
		if caps.SupportsProfile(fallback) {
			if c.prev == nil || c.prev.Profile != fallback {
				logger.Warn("Controller", "Profile %s not supported by %s, using %s", requested, caps.Name, fallback)
			}
			return fallback
		}
	}
	return requested
}

func (c *Controller) resolveRateControlMode(name string) hw.RateControlMode {
	mode, err := hw.ParseRateControlMode(name)
	if err == nil && c.dev.RateControlSupported(mode) {
		return mode
	}
	for _, fallback := range hw.RateControlFallbackOrder {
		if c.dev.RateControlSupported(fallback) {
			logger.Warn("Controller", "Rate control %q not supported, using %s", name, fallback)
			return fallback
		}
	}
	return mode
}

func resolveRCFlags(s Settings, mode hw.RateControlMode, support hw.SupportFlags) hw.RateControlFlags {
	var f hw.RateControlFlags
	if s.FrameAnalysis {
		if support.Has(hw.SupportRateControlFrameAnalysis) {
			f |= hw.RCFlagFrameAnalysis
		} else {
			logger.Warn("Controller", "Frame analysis not supported, disabled")
		}
	}
	if s.QPInit > 0 && mode != hw.RateControlCQP {
		if support.Has(hw.SupportRateControlInitialQP) {
			f |= hw.RCFlagInitialQP
		} else {
			logger.Warn("Controller", "Initial QP not supported, ignored")
		}
	}
	if s.QPMin > 0 && s.QPMax >= s.QPMin {
		if support.Has(hw.SupportRateControlAdjustableQPRange) {
			f |= hw.RCFlagQPRange
		} else {
			logger.Warn("Controller", "QP range not supported, ignored")
		}
	}
	return f
}

// buildRateControl fills the variant for mode. Bitrates default to 2000 kbps
// and a peak below the target becomes twice the target.
func buildRateControl(s Settings, mode hw.RateControlMode, flags hw.RateControlFlags) hw.RateControl {
	if mode == hw.RateControlCQP {
		return hw.ConstantQP{QPI: s.QPI, QPP: s.QPP, QPB: s.QPB}
	}

	bitrate := uint64(s.Bitrate)
	if bitrate == 0 {
		bitrate = 2000
	}
	peak := uint64(s.MaxBitrate)
	if peak < bitrate {
		peak = 2 * bitrate
	}
	bitrate *= 1000
	peak *= 1000

	var qp hw.QPBounds
	if flags&hw.RCFlagInitialQP != 0 {
		qp.InitialQP = s.QPInit
	}
	if flags&hw.RCFlagQPRange != 0 {
		qp.MinQP = s.QPMin
		qp.MaxQP = s.QPMax
	}

	switch mode {
	case hw.RateControlCBR:
		return hw.CBR{QPBounds: qp, TargetBitrate: bitrate}
	case hw.RateControlQVBR:
		return hw.QVBR{QPBounds: qp, TargetBitrate: bitrate, PeakBitrate: peak, QualityLevel: s.QVBRQuality}
	default:
		return hw.VBR{QPBounds: qp, TargetBitrate: bitrate, PeakBitrate: peak}
	}
}

// resolveLayout picks the slice layout, falling back to one slice per frame
// whenever the request is unsupported or degenerate
func (c *Controller) resolveLayout(s Settings, req hw.SupportRequest) hw.SliceLayout {
	mode, err := hw.ParseSubregionMode(s.SliceMode)
	if err != nil || mode == hw.SubregionFullFrame || s.SlicePartition == 0 {
		return hw.FullFrameLayout
	}
	if !c.dev.SubregionModeSupported(mode) {
		logger.Warn("Controller", "Slice mode %s not supported, encoding full frames", mode)
		return hw.FullFrameLayout
	}

	req.Layout = hw.SliceLayout{Mode: mode}
	res, err := c.dev.CheckSupport(req)
	if err != nil || !res.OK() || res.Limits.MaxSubregions <= 1 || res.Limits.SubregionBlockPixels == 0 {
		logger.Warn("Controller", "Slice mode %s rejected for %dx%d, encoding full frames", mode, s.Width, s.Height)
		return hw.FullFrameLayout
	}
	limits := res.Limits
	block := limits.SubregionBlockPixels
	partition := s.SlicePartition

	switch mode {
	case hw.SubregionBytesPerSubregion:
		return hw.SliceLayout{Mode: mode, Value: partition, MaxSubregions: limits.MaxSubregions}

	case hw.SubregionSquareUnitsPerRow:
		total := (s.Width / block) * (s.Height / block)
		if partition >= total {
			logger.Warn("Controller", "Slice partition %d covers the whole frame (%d blocks)", partition, total)
			return hw.FullFrameLayout
		}
		perSlice := max(ceilDiv(total, limits.MaxSubregions), partition)
		return hw.SliceLayout{Mode: mode, Value: perSlice, MaxSubregions: limits.MaxSubregions}

	case hw.SubregionUniformRowsPerSubregion:
		rows := s.Height / block
		if partition >= rows {
			logger.Warn("Controller", "Slice partition %d covers the whole frame (%d rows)", partition, rows)
			return hw.FullFrameLayout
		}
		perSlice := max(ceilDiv(rows, limits.MaxSubregions), partition)
		return hw.SliceLayout{Mode: mode, Value: perSlice, MaxSubregions: limits.MaxSubregions}

	case hw.SubregionUniformSubregionsPerFrame:
		if partition <= 1 {
			return hw.FullFrameLayout
		}
		return hw.SliceLayout{Mode: mode, Value: min(partition, limits.MaxSubregions), MaxSubregions: limits.MaxSubregions}
	}
	return hw.FullFrameLayout
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}
