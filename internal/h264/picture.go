package h264

import "fmt"

// FrameType is the coding role of one picture
type FrameType int

const (
	FrameTypeIDR FrameType = iota
	FrameTypeI
	FrameTypeP
	FrameTypeB
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeIDR:
		return "IDR"
	case FrameTypeI:
		return "I"
	case FrameTypeP:
		return "P"
	case FrameTypeB:
		return "B"
	default:
		return fmt.Sprintf("FrameType(%d)", int(t))
	}
}

// IsIntra reports whether the picture is coded without references
func (t FrameType) IsIntra() bool {
	return t == FrameTypeIDR || t == FrameTypeI
}

// RefPicDescriptor describes one picture in the reference history.
// ResourceIndex is the position of the picture in the reference texture
// list handed to the hardware; 0 is always the most recent picture.
type RefPicDescriptor struct {
	ResourceIndex uint32
	FrameNum      uint32
	PicOrderCnt   uint32
	TemporalLayer uint32
	LongTerm      bool
	EncodeOrder   uint64
	DisplayOrder  uint64
}

// PicControl carries the per-picture codec fields of one encode job
type PicControl struct {
	FrameType     FrameType
	IdrPicID      uint32
	FrameNum      uint32
	PicOrderCnt   uint32
	TemporalLayer uint32
	PPSID         uint32

	// Reference lists index into Descriptors
	List0       []uint32
	List1       []uint32
	Descriptors []RefPicDescriptor
}

// Clone returns a deep copy so the caller can retain it past the next frame
func (p *PicControl) Clone() PicControl {
	c := *p
	c.List0 = append([]uint32(nil), p.List0...)
	c.List1 = append([]uint32(nil), p.List1...)
	c.Descriptors = append([]RefPicDescriptor(nil), p.Descriptors...)
	return c
}
