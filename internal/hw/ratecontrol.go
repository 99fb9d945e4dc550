package hw

import (
	"fmt"
	"strings"
)

// RateControlMode identifies a rate-control algorithm
type RateControlMode int

const (
	RateControlCQP RateControlMode = iota
	RateControlCBR
	RateControlVBR
	RateControlQVBR
)

func (m RateControlMode) String() string {
	switch m {
	case RateControlCQP:
		return "cqp"
	case RateControlCBR:
		return "cbr"
	case RateControlVBR:
		return "vbr"
	case RateControlQVBR:
		return "qvbr"
	default:
		return fmt.Sprintf("rc(%d)", int(m))
	}
}

// ParseRateControlMode parses a mode name as used in config files
func ParseRateControlMode(s string) (RateControlMode, error) {
	switch strings.ToLower(s) {
	case "cqp", "constant-qp":
		return RateControlCQP, nil
	case "cbr":
		return RateControlCBR, nil
	case "vbr", "":
		return RateControlVBR, nil
	case "qvbr":
		return RateControlQVBR, nil
	default:
		return 0, fmt.Errorf("unknown rate control mode: %s", s)
	}
}

// RateControlFallbackOrder is tried when the requested mode is not supported
var RateControlFallbackOrder = []RateControlMode{
	RateControlVBR,
	RateControlQVBR,
	RateControlCBR,
	RateControlCQP,
}

// RateControl is the mode-specific rate-control block of an encode job.
// Implementations are comparable value types so two configurations can be
// compared with ==.
type RateControl interface {
	Mode() RateControlMode
}

// QPBounds are optional QP limits for the bitrate driven modes
type QPBounds struct {
	InitialQP uint32
	MinQP     uint32
	MaxQP     uint32
}

// ConstantQP codes every frame type at a fixed QP
type ConstantQP struct {
	QPI uint32
	QPP uint32
	QPB uint32
}

// CBR targets a constant bitrate in bits per second
type CBR struct {
	QPBounds
	TargetBitrate uint64
}

// VBR targets an average bitrate with a peak cap
type VBR struct {
	QPBounds
	TargetBitrate uint64
	PeakBitrate   uint64
}

// QVBR targets a quality level within bitrate limits
type QVBR struct {
	QPBounds
	TargetBitrate uint64
	PeakBitrate   uint64
	QualityLevel  uint32
}

func (ConstantQP) Mode() RateControlMode { return RateControlCQP }
func (CBR) Mode() RateControlMode        { return RateControlCBR }
func (VBR) Mode() RateControlMode        { return RateControlVBR }
func (QVBR) Mode() RateControlMode       { return RateControlQVBR }

// RateControlFlags enable optional rate-control features
type RateControlFlags uint32

const (
	RCFlagFrameAnalysis RateControlFlags = 1 << iota
	RCFlagInitialQP
	RCFlagQPRange
)

func (f RateControlFlags) String() string {
	var parts []string
	if f&RCFlagFrameAnalysis != 0 {
		parts = append(parts, "frame-analysis")
	}
	if f&RCFlagInitialQP != 0 {
		parts = append(parts, "initial-qp")
	}
	if f&RCFlagQPRange != 0 {
		parts = append(parts, "qp-range")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
