package types

import "time"

// RawFrame is one uncompressed NV12 picture handed to the encoder
type RawFrame struct {
	Data      []byte        // NV12: Y plane followed by interleaved UV
	Width     int           // Visible width
	Height    int           // Visible height
	Timestamp time.Time     // Capture timestamp
	Duration  time.Duration // Presentation duration
}

// H264Frame is one encoded access unit delivered by the encoder
type H264Frame struct {
	Data          []byte        // Annex-B byte stream (AUD, SPS/PPS, slices)
	Timestamp     time.Time     // Capture timestamp of the source picture
	Duration      time.Duration // Presentation duration
	FrameNum      uint64        // Display order number (monotonic per encoder)
	IsIDR         bool          // True if this access unit contains an IDR slice
	Width         int           // Visible width
	Height        int           // Visible height
	SessionID     string        // Hardware session that produced the access unit
	SubmitFence   uint64        // Completion counter value of the submission
	EncodeLatency time.Duration // Submit-to-readback latency
}

// NALUnit represents a single H.264 NAL unit
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits)
	Data []byte // Complete NAL unit including start code
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)
