package h264

import "math/bits"

// GopStruct holds the sequence-level numbering parameters derived from the GOP length
type GopStruct struct {
	GOPLength                   uint32 // 0 = unbounded (single IDR)
	PPicturePeriod              uint32 // 0 = all-intra
	PicOrderCntType             uint32
	Log2MaxFrameNumMinus4       uint32
	Log2MaxPicOrderCntLsbMinus4 uint32
}

// MaxFrameNum returns 2^(log2_max_frame_num)
func (g GopStruct) MaxFrameNum() uint32 {
	return 1 << (g.Log2MaxFrameNumMinus4 + 4)
}

// Sequencer assigns frame types and bitstream numbering to each picture.
// It only ever emits IDR and P pictures, so POC is derived from frame_num
// (pic_order_cnt_type 2).
type Sequencer struct {
	gop         GopStruct
	maxFrameNum uint32
	maxPOC      uint32

	frameNum    uint32
	idrPicID    uint32
	encodeOrder uint32
	gopStart    bool
}

// NewSequencer creates a sequencer initialised for an unbounded GOP
func NewSequencer() *Sequencer {
	s := &Sequencer{}
	s.Init(0)
	return s
}

// Log2MaxFrameNumMinus4 returns the frame_num bit width for a GOP length
func Log2MaxFrameNumMinus4(gopLength uint32) uint32 {
	if gopLength == 0 {
		return 12
	}
	n := uint32(bits.Len32(gopLength))
	switch {
	case n < 4:
		return 0
	case n > 16:
		return 12
	default:
		return n - 4
	}
}

// NewGopStruct derives the numbering parameters for a GOP length
func NewGopStruct(gopLength uint32) GopStruct {
	g := GopStruct{
		GOPLength:             gopLength,
		PicOrderCntType:       2,
		Log2MaxFrameNumMinus4: Log2MaxFrameNumMinus4(gopLength),
	}
	if gopLength != 1 {
		g.PPicturePeriod = 1
	}
	if g.PicOrderCntType != 2 {
		g.Log2MaxPicOrderCntLsbMinus4 = min(16, g.Log2MaxFrameNumMinus4+5) - 4
	}
	return g
}

// MaxPicOrderCnt returns the POC modulus
func (g GopStruct) MaxPicOrderCnt() uint32 {
	if g.PicOrderCntType == 2 {
		return g.MaxFrameNum() * 2
	}
	return 1 << (g.Log2MaxPicOrderCntLsbMinus4 + 4)
}

// Init derives the numbering parameters for gopLength and restarts the GOP
func (s *Sequencer) Init(gopLength uint32) {
	s.gop = NewGopStruct(gopLength)
	s.maxFrameNum = s.gop.MaxFrameNum()
	s.maxPOC = s.gop.MaxPicOrderCnt()
	s.gopStart = true
	s.frameNum = 0
	s.encodeOrder = 0
}

// Struct returns the active numbering parameters
func (s *Sequencer) Struct() GopStruct {
	return s.gop
}

// FillPicControl writes the frame type and numbering for the next picture
// and advances the counters
func (s *Sequencer) FillPicControl(ctrl *PicControl) {
	if s.gopStart {
		ctrl.FrameType = FrameTypeIDR
		ctrl.FrameNum = 0
		ctrl.PicOrderCnt = 0
		ctrl.IdrPicID = s.idrPicID
		// idr_pic_id is coded in 16 bits
		s.idrPicID = (s.idrPicID + 1) & 0xffff
		s.gopStart = false
	} else {
		ctrl.FrameType = FrameTypeP
		ctrl.IdrPicID = s.idrPicID
		ctrl.FrameNum = s.frameNum
		ctrl.PicOrderCnt = (s.frameNum * 2) % s.maxPOC
	}
	ctrl.TemporalLayer = 0

	s.frameNum = (s.frameNum + 1) % s.maxFrameNum
	s.encodeOrder++

	if s.gop.GOPLength != 0 && s.encodeOrder >= s.gop.GOPLength {
		s.frameNum = 0
		s.encodeOrder = 0
		s.gopStart = true
	}
}

// ForceKeyUnit makes the next picture an IDR without touching the bit widths
func (s *Sequencer) ForceKeyUnit() {
	s.frameNum = 0
	s.encodeOrder = 0
	s.gopStart = true
}
