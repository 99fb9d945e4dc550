// Package hw defines the contract between the encoder control plane and the
// hardware encode layer: capability and support queries, texture allocation,
// and an ordered submission queue tracked by a completion counter.
package hw

import (
	"context"
	"fmt"
	"strings"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
)

// SupportFlags describe what the hardware tolerates for a configuration
type SupportFlags uint32

const (
	SupportGeneralOK SupportFlags = 1 << iota
	SupportRateControlReconfiguration
	SupportResolutionReconfiguration
	SupportSubregionLayoutReconfiguration
	SupportSequenceGOPReconfiguration
	SupportRateControlFrameAnalysis
	SupportRateControlInitialQP
	SupportRateControlAdjustableQPRange
	SupportReconstructedFramesRequireTextureArrays
)

var supportFlagNames = []string{
	"general-ok",
	"rc-reconfig",
	"resolution-reconfig",
	"layout-reconfig",
	"gop-reconfig",
	"frame-analysis",
	"initial-qp",
	"qp-range",
	"texture-arrays",
}

// Has reports whether every bit of want is set
func (f SupportFlags) Has(want SupportFlags) bool {
	return f&want == want
}

func (f SupportFlags) String() string {
	var parts []string
	for i, name := range supportFlagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ValidationFlags list the reasons a configuration was rejected; zero means accepted
type ValidationFlags uint32

const (
	ValidationNone                  ValidationFlags = 0
	ValidationCodecNotSupported     ValidationFlags = 1 << (iota - 1)
	ValidationInputFormatNotSupported
	ValidationRateControlModeNotSupported
	ValidationRateControlConfigurationNotSupported
	ValidationSubregionLayoutNotSupported
	ValidationResolutionNotSupported
	ValidationGOPStructureNotSupported
)

// SubregionMode is the slice partitioning strategy
type SubregionMode int

const (
	SubregionFullFrame SubregionMode = iota
	SubregionBytesPerSubregion
	SubregionSquareUnitsPerRow
	SubregionUniformRowsPerSubregion
	SubregionUniformSubregionsPerFrame
)

func (m SubregionMode) String() string {
	switch m {
	case SubregionFullFrame:
		return "full"
	case SubregionBytesPerSubregion:
		return "bytes"
	case SubregionSquareUnitsPerRow:
		return "mb-units"
	case SubregionUniformRowsPerSubregion:
		return "mb-rows"
	case SubregionUniformSubregionsPerFrame:
		return "slices"
	default:
		return fmt.Sprintf("subregion(%d)", int(m))
	}
}

// ParseSubregionMode parses a slice mode name as used in config files
func ParseSubregionMode(s string) (SubregionMode, error) {
	switch strings.ToLower(s) {
	case "full", "":
		return SubregionFullFrame, nil
	case "bytes":
		return SubregionBytesPerSubregion, nil
	case "mb-units":
		return SubregionSquareUnitsPerRow, nil
	case "mb-rows":
		return SubregionUniformRowsPerSubregion, nil
	case "slices":
		return SubregionUniformSubregionsPerFrame, nil
	default:
		return 0, fmt.Errorf("unknown slice mode: %s", s)
	}
}

// SliceLayout is the resolved slice partitioning of a frame.
// Value is the bytes, macroblocks, rows or slice count depending on Mode.
type SliceLayout struct {
	Mode          SubregionMode
	Value         uint32
	MaxSubregions uint32
}

// FullFrameLayout encodes every picture as a single slice
var FullFrameLayout = SliceLayout{Mode: SubregionFullFrame, Value: 1, MaxSubregions: 1}

// SubregionLimits are resolution dependent slice limits reported by the hardware
type SubregionLimits struct {
	MaxSubregions        uint32
	SubregionBlockPixels uint32
}

// Caps are the static capabilities of an encoder device
type Caps struct {
	Name                string
	Profiles            []h264.Profile
	MinLevel            h264.Level
	MaxLevel            h264.Level
	MaxL0ReferencesForP uint32
	MaxDPBCapacity      uint32
	MaxWidth            uint32
	MaxHeight           uint32
}

// SupportsProfile reports whether p is in Profiles
func (c Caps) SupportsProfile(p h264.Profile) bool {
	for _, have := range c.Profiles {
		if have == p {
			return true
		}
	}
	return false
}

// SupportRequest is one configuration to validate against the hardware
type SupportRequest struct {
	Profile     h264.Profile
	Width       uint32
	Height      uint32
	FpsN        uint32
	FpsD        uint32
	RateControl RateControl
	RCFlags     RateControlFlags
	Layout      SliceLayout
	Gop         h264.GopStruct
	RefFrames   uint32
}

// SupportResult is the hardware verdict for a SupportRequest
type SupportResult struct {
	Flags          SupportFlags
	Validation     ValidationFlags
	SuggestedLevel h264.Level
	Limits         SubregionLimits
}

// OK reports whether the configuration was accepted
func (r SupportResult) OK() bool {
	return r.Flags.Has(SupportGeneralOK) && r.Validation == ValidationNone
}

// TextureDesc describes a reconstructed picture allocation
type TextureDesc struct {
	Width     uint32
	Height    uint32
	ArraySize uint32
}

// Texture is a device allocation usable as a reconstruction target
type Texture interface {
	ID() uint64
	Desc() TextureDesc
}

// TextureRef addresses one subresource of a texture
type TextureRef struct {
	Texture     Texture
	Subresource uint32
}

// SequenceFlags announce which categories changed since the previous job
type SequenceFlags uint32

const (
	SequenceRateControlChange SequenceFlags = 1 << iota
	SequenceSubregionLayoutChange
	SequenceGOPChange
	SequenceResolutionChange
)

func (f SequenceFlags) String() string {
	var parts []string
	if f&SequenceRateControlChange != 0 {
		parts = append(parts, "rate-control")
	}
	if f&SequenceSubregionLayoutChange != 0 {
		parts = append(parts, "layout")
	}
	if f&SequenceGOPChange != 0 {
		parts = append(parts, "gop")
	}
	if f&SequenceResolutionChange != 0 {
		parts = append(parts, "resolution")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PictureFlags are per-picture job flags
type PictureFlags uint32

const (
	PictureUsedAsReference PictureFlags = 1 << iota
)

// SessionConfig is the state a hardware session is opened or reconfigured with
type SessionConfig struct {
	ID          string
	Profile     h264.Profile
	Level       h264.Level
	Width       uint32
	Height      uint32
	FpsN        uint32
	FpsD        uint32
	RateControl RateControl
	RCFlags     RateControlFlags
	Layout      SliceLayout
	Gop         h264.GopStruct
	MaxRefs     uint32
}

// Job is one fully populated encode request
type Job struct {
	SessionID     string
	Sequence      SequenceFlags
	Flags         PictureFlags
	RateControl   RateControl
	RCFlags       RateControlFlags
	Width         uint32
	Height        uint32
	Layout        SliceLayout
	Pic           h264.PicControl
	Reconstructed *TextureRef  // nil when the picture is not a reference
	References    []TextureRef // indexed by RefPicDescriptor.ResourceIndex
	Input         []byte
	Headers       []byte // AUD and parameter sets to prefix the slice data
}

// Device is an encoder capable GPU
type Device interface {
	Caps() Caps
	RateControlSupported(mode RateControlMode) bool
	SubregionModeSupported(mode SubregionMode) bool
	CheckSupport(req SupportRequest) (SupportResult, error)
	CreateTexture(desc TextureDesc) (Texture, error)
	DestroyTexture(tex Texture) error
	OpenSession(cfg SessionConfig) (Session, error)
}

// Session is an open hardware encode session. Submissions execute in
// submission order; each returns the completion counter value that is
// reached when its output is ready.
type Session interface {
	Reconfigure(cfg SessionConfig) error
	Submit(job *Job) (uint64, error)
	Completed() uint64
	Wait(ctx context.Context, fence uint64) error
	Bitstream(fence uint64) ([]byte, error)
	Close() error
}
