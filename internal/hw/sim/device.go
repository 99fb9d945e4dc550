// Package sim is a software stand-in for a hardware H.264 encoder. It answers
// capability and support queries from a Profile and completes submitted jobs
// in order on a single worker goroutine.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
)

var (
	ErrOutOfMemory       = errors.New("sim: texture allocation failed")
	ErrSessionClosed     = errors.New("sim: session closed")
	ErrWrongSession      = errors.New("sim: job targets another session")
	ErrInvalidJob        = errors.New("sim: invalid job")
	ErrNotReconfigurable = errors.New("sim: change requires a new session")
	ErrNotReady          = errors.New("sim: output not ready")
	ErrUnknownTexture    = errors.New("sim: texture not owned by this device")
)

type texture struct {
	id        uint64
	desc      hw.TextureDesc
	destroyed atomic.Bool
}

func (t *texture) ID() uint64           { return t.id }
func (t *texture) Desc() hw.TextureDesc { return t.desc }

// Device implements hw.Device
type Device struct {
	profile     Profile
	caps        hw.Caps
	rcModes     map[hw.RateControlMode]bool
	sliceModes  map[hw.SubregionMode]bool
	tolerance   hw.SupportFlags
	nextTexture atomic.Uint64
	textures    atomic.Int64

	mu       sync.Mutex
	sessions int
	lastJob  *hw.Job
	jobs     uint64
}

// New builds a simulated device from a validated profile
func New(p Profile) (*Device, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device profile: %w", err)
	}

	d := &Device{
		profile:    p,
		rcModes:    make(map[hw.RateControlMode]bool),
		sliceModes: map[hw.SubregionMode]bool{hw.SubregionFullFrame: true},
	}

	minLevel, _ := h264.ParseLevel(p.MinLevel)
	maxLevel, _ := h264.ParseLevel(p.MaxLevel)
	d.caps = hw.Caps{
		Name:                p.Name,
		MinLevel:            minLevel,
		MaxLevel:            maxLevel,
		MaxL0ReferencesForP: p.MaxL0References,
		MaxDPBCapacity:      p.MaxDPBCapacity,
		MaxWidth:            p.MaxWidth,
		MaxHeight:           p.MaxHeight,
	}
	for _, name := range p.Profiles {
		prof, _ := h264.ParseProfile(name)
		d.caps.Profiles = append(d.caps.Profiles, prof)
	}
	for _, name := range p.RateControlModes {
		mode, _ := hw.ParseRateControlMode(name)
		d.rcModes[mode] = true
	}
	for _, name := range p.SliceModes {
		mode, _ := hw.ParseSubregionMode(name)
		d.sliceModes[mode] = true
	}

	if p.Reconfigure.RateControl {
		d.tolerance |= hw.SupportRateControlReconfiguration
	}
	if p.Reconfigure.Layout {
		d.tolerance |= hw.SupportSubregionLayoutReconfiguration
	}
	if p.Reconfigure.GOP {
		d.tolerance |= hw.SupportSequenceGOPReconfiguration
	}
	if p.Reconfigure.Resolution {
		d.tolerance |= hw.SupportResolutionReconfiguration
	}

	logger.Debug("SimDevice", "Created %s: refs=%d dpb=%d rc=%v slices=%v",
		p.Name, p.MaxL0References, p.MaxDPBCapacity, p.RateControlModes, p.SliceModes)
	return d, nil
}

// Caps implements hw.Device
func (d *Device) Caps() hw.Caps {
	return d.caps
}

// RateControlSupported implements hw.Device
func (d *Device) RateControlSupported(mode hw.RateControlMode) bool {
	return d.rcModes[mode]
}

// SubregionModeSupported implements hw.Device
func (d *Device) SubregionModeSupported(mode hw.SubregionMode) bool {
	return d.sliceModes[mode]
}

// CheckSupport implements hw.Device
func (d *Device) CheckSupport(req hw.SupportRequest) (hw.SupportResult, error) {
	var res hw.SupportResult

	if !d.caps.SupportsProfile(req.Profile) {
		res.Validation |= hw.ValidationCodecNotSupported
	}
	if req.Width == 0 || req.Height == 0 || req.Width > d.caps.MaxWidth || req.Height > d.caps.MaxHeight {
		res.Validation |= hw.ValidationResolutionNotSupported
	}

	level := h264.LevelFor(req.Width, req.Height, req.FpsN, req.FpsD)
	if level > d.caps.MaxLevel {
		res.Validation |= hw.ValidationResolutionNotSupported
	}
	res.SuggestedLevel = max(level, d.caps.MinLevel)

	if req.RateControl == nil || !d.rcModes[req.RateControl.Mode()] {
		res.Validation |= hw.ValidationRateControlModeNotSupported
	}

	blocks := ((req.Width + 15) / 16) * ((req.Height + 15) / 16)
	res.Limits = hw.SubregionLimits{
		MaxSubregions:        min(d.profile.MaxSlices, max(blocks, 1)),
		SubregionBlockPixels: 16,
	}
	if !d.sliceModes[req.Layout.Mode] {
		res.Validation |= hw.ValidationSubregionLayoutNotSupported
	} else if req.Layout.Mode == hw.SubregionUniformSubregionsPerFrame && req.Layout.Value > res.Limits.MaxSubregions {
		res.Validation |= hw.ValidationSubregionLayoutNotSupported
	}

	if req.RefFrames > d.caps.MaxL0ReferencesForP || (req.RefFrames > 0 && req.Gop.PPicturePeriod == 0) {
		res.Validation |= hw.ValidationGOPStructureNotSupported
	}

	if res.Validation == hw.ValidationNone {
		res.Flags |= hw.SupportGeneralOK
	}
	res.Flags |= d.tolerance
	if d.profile.FrameAnalysis {
		res.Flags |= hw.SupportRateControlFrameAnalysis
	}
	if d.profile.InitialQP {
		res.Flags |= hw.SupportRateControlInitialQP
	}
	if d.profile.QPRange {
		res.Flags |= hw.SupportRateControlAdjustableQPRange
	}
	if d.profile.TextureArrays {
		res.Flags |= hw.SupportReconstructedFramesRequireTextureArrays
	}
	return res, nil
}

// CreateTexture implements hw.Device
func (d *Device) CreateTexture(desc hw.TextureDesc) (hw.Texture, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.ArraySize == 0 {
		return nil, fmt.Errorf("%w: empty texture %dx%d[%d]", ErrOutOfMemory, desc.Width, desc.Height, desc.ArraySize)
	}
	if limit := d.profile.MaxTextures; limit > 0 && d.textures.Load() >= int64(limit) {
		return nil, fmt.Errorf("%w: %d textures allocated", ErrOutOfMemory, limit)
	}
	d.textures.Add(1)
	return &texture{id: d.nextTexture.Add(1), desc: desc}, nil
}

// DestroyTexture implements hw.Device
func (d *Device) DestroyTexture(tex hw.Texture) error {
	t, ok := tex.(*texture)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownTexture, tex)
	}
	if t.destroyed.Swap(true) {
		return fmt.Errorf("%w: texture %d destroyed twice", ErrUnknownTexture, t.id)
	}
	d.textures.Add(-1)
	return nil
}

// TextureCount returns the number of live textures
func (d *Device) TextureCount() int {
	return int(d.textures.Load())
}

// OpenSession implements hw.Device
func (d *Device) OpenSession(cfg hw.SessionConfig) (hw.Session, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidJob)
	}
	d.mu.Lock()
	d.sessions++
	d.mu.Unlock()

	s := newSession(d, cfg)
	logger.Debug("SimDevice", "Opened session %s (%dx%d %s level %s)",
		cfg.ID, cfg.Width, cfg.Height, cfg.Profile, cfg.Level)
	return s, nil
}

// SessionsOpened returns how many sessions were opened on this device
func (d *Device) SessionsOpened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// LastJob returns a copy of the most recently submitted job
func (d *Device) LastJob() (hw.Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastJob == nil {
		return hw.Job{}, false
	}
	return *d.lastJob, true
}

// JobsSubmitted returns the number of accepted jobs across all sessions
func (d *Device) JobsSubmitted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs
}

func (d *Device) recordJob(job *hw.Job) {
	c := *job
	c.Pic = job.Pic.Clone()
	c.References = append([]hw.TextureRef(nil), job.References...)
	c.Input = nil

	d.mu.Lock()
	d.lastJob = &c
	d.jobs++
	d.mu.Unlock()
}
