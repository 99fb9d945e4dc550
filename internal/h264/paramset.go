package h264

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Profile is an H.264 profile_idc
type Profile uint8

const (
	ProfileBaseline Profile = 66
	ProfileMain     Profile = 77
	ProfileHigh     Profile = 100
)

func (p Profile) String() string {
	switch p {
	case ProfileBaseline:
		return "baseline"
	case ProfileMain:
		return "main"
	case ProfileHigh:
		return "high"
	default:
		return fmt.Sprintf("profile(%d)", uint8(p))
	}
}

// ParseProfile parses a profile name as used in config files
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "baseline", "constrained-baseline":
		return ProfileBaseline, nil
	case "main":
		return ProfileMain, nil
	case "high", "":
		return ProfileHigh, nil
	default:
		return 0, fmt.Errorf("unknown profile: %s", s)
	}
}

// Level is an H.264 level_idc
type Level uint8

const (
	Level1  Level = 10
	Level11 Level = 11
	Level12 Level = 12
	Level13 Level = 13
	Level2  Level = 20
	Level21 Level = 21
	Level22 Level = 22
	Level3  Level = 30
	Level31 Level = 31
	Level32 Level = 32
	Level4  Level = 40
	Level41 Level = 41
	Level42 Level = 42
	Level5  Level = 50
	Level51 Level = 51
	Level52 Level = 52
)

func (l Level) String() string {
	return fmt.Sprintf("%d.%d", uint8(l)/10, uint8(l)%10)
}

// ParseLevel parses a level written as "4.1" or "41"
func ParseLevel(s string) (Level, error) {
	digits := strings.ReplaceAll(s, ".", "")
	if len(digits) == 1 {
		digits += "0"
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("invalid level %q: %w", s, err)
	}
	for _, l := range levelLimits {
		if int(l.level) == n {
			return l.level, nil
		}
	}
	return 0, fmt.Errorf("unknown level: %s", s)
}

type levelLimit struct {
	level   Level
	maxMBPS uint32 // macroblocks per second
	maxFS   uint32 // frame size in macroblocks
}

// Table A-1
var levelLimits = []levelLimit{
	{Level1, 1485, 99},
	{Level11, 3000, 396},
	{Level12, 6000, 396},
	{Level13, 11880, 396},
	{Level2, 11880, 396},
	{Level21, 19800, 792},
	{Level22, 20250, 1620},
	{Level3, 40500, 1620},
	{Level31, 108000, 3600},
	{Level32, 216000, 5120},
	{Level4, 245760, 8192},
	{Level41, 245760, 8192},
	{Level42, 522240, 8704},
	{Level5, 589824, 22080},
	{Level51, 983040, 36864},
	{Level52, 2073600, 36864},
}

// LevelFor returns the lowest level whose frame size and macroblock rate
// limits admit the given picture size and frame rate
func LevelFor(width, height, fpsN, fpsD uint32) Level {
	if fpsD == 0 {
		fpsD = 1
	}
	fs := ((width + 15) / 16) * ((height + 15) / 16)
	mbps := uint64(fs) * uint64(fpsN) / uint64(fpsD)
	for _, l := range levelLimits {
		if fs <= l.maxFS && mbps <= uint64(l.maxMBPS) {
			return l.level
		}
	}
	return Level52
}

// VUI holds the subset of video usability information the encoder emits
type VUI struct {
	TimingInfoPresent bool
	NumUnitsInTick    uint32
	TimeScale         uint32
	FixedFrameRate    bool
}

// SPS is a sequence parameter set
type SPS struct {
	ProfileIDC                  Profile
	ConstraintSet0              bool
	ConstraintSet1              bool
	LevelIDC                    Level
	ID                          uint32
	ChromaFormatIDC             uint32
	Log2MaxFrameNumMinus4       uint32
	PicOrderCntType             uint32
	Log2MaxPicOrderCntLsbMinus4 uint32
	MaxNumRefFrames             uint32
	PicWidthInMbsMinus1         uint32
	PicHeightInMapUnitsMinus1   uint32
	FrameMbsOnly                bool
	Direct8x8Inference          bool
	FrameCropping               bool
	CropLeft, CropRight         uint32
	CropTop, CropBottom         uint32
	VUIPresent                  bool
	VUI                         VUI
}

// PPS is a picture parameter set
type PPS struct {
	ID                             uint32
	SPSID                          uint32
	EntropyCodingModeCABAC         bool
	NumRefIdxL0DefaultActiveMinus1 uint32
	NumRefIdxL1DefaultActiveMinus1 uint32
	PicInitQPMinus26               int32
	DeblockingFilterControlPresent bool
	Transform8x8Mode               bool
}

// SequenceParams are the inputs to BuildSPS
type SequenceParams struct {
	Profile      Profile
	Level        Level
	Width        uint32 // visible size
	Height       uint32
	FpsN         uint32
	FpsD         uint32
	Gop          GopStruct
	MaxRefFrames uint32
}

// CodedSize rounds a visible size up to whole macroblocks
func CodedSize(width, height uint32) (uint32, uint32) {
	return (width + 15) &^ 15, (height + 15) &^ 15
}

// BuildSPS derives the sequence parameter set for a resolved configuration
func BuildSPS(p SequenceParams) SPS {
	codedW, codedH := CodedSize(p.Width, p.Height)
	sps := SPS{
		ProfileIDC:                  p.Profile,
		ConstraintSet1:              p.Profile == ProfileBaseline,
		LevelIDC:                    p.Level,
		ChromaFormatIDC:             1,
		Log2MaxFrameNumMinus4:       p.Gop.Log2MaxFrameNumMinus4,
		PicOrderCntType:             p.Gop.PicOrderCntType,
		Log2MaxPicOrderCntLsbMinus4: p.Gop.Log2MaxPicOrderCntLsbMinus4,
		MaxNumRefFrames:             p.MaxRefFrames,
		PicWidthInMbsMinus1:         codedW/16 - 1,
		PicHeightInMapUnitsMinus1:   codedH/16 - 1,
		FrameMbsOnly:                true,
		Direct8x8Inference:          true,
	}
	if p.Profile == ProfileBaseline {
		sps.ConstraintSet0 = true
	}

	// 4:2:0 progressive crop units are two luma samples
	if codedW != p.Width || codedH != p.Height {
		sps.FrameCropping = true
		sps.CropRight = (codedW - p.Width) / 2
		sps.CropBottom = (codedH - p.Height) / 2
	}

	if p.FpsN > 0 && p.FpsD > 0 {
		sps.VUIPresent = true
		sps.VUI = VUI{
			TimingInfoPresent: true,
			NumUnitsInTick:    p.FpsD,
			TimeScale:         p.FpsN * 2,
			FixedFrameRate:    true,
		}
	}
	return sps
}

// BuildPPSSet returns one PPS per active list-0 size, at least one.
// PPS i signals i+1 active list-0 references.
func BuildPPSSet(sps *SPS, refFrames uint32) []PPS {
	n := max(refFrames, 1)
	set := make([]PPS, n)
	for i := range set {
		set[i] = PPS{
			ID:                             uint32(i),
			SPSID:                          sps.ID,
			EntropyCodingModeCABAC:         sps.ProfileIDC != ProfileBaseline,
			NumRefIdxL0DefaultActiveMinus1: uint32(i),
			DeblockingFilterControlPresent: true,
			Transform8x8Mode:               sps.ProfileIDC == ProfileHigh,
		}
	}
	return set
}

// AUD is an access unit delimiter with primary_pic_type 7 (any slice type)
var AUD = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}

// ParamSetWriter turns parameter sets into NAL unit bytes
type ParamSetWriter interface {
	WriteSPS(sps *SPS) ([]byte, error)
	WritePPS(pps *PPS) ([]byte, error)
}

var errBadParamSet = errors.New("h264: invalid parameter set")

// AnnexBWriter writes parameter sets as Annex-B NAL units with 4-byte start codes
type AnnexBWriter struct{}

// WriteSPS implements ParamSetWriter
func (AnnexBWriter) WriteSPS(sps *SPS) ([]byte, error) {
	if sps.Log2MaxFrameNumMinus4 > 12 || sps.Log2MaxPicOrderCntLsbMinus4 > 12 {
		return nil, fmt.Errorf("%w: numbering bit width out of range", errBadParamSet)
	}

	w := &bitWriter{}
	w.bits(uint32(sps.ProfileIDC), 8)
	var constraints uint32
	if sps.ConstraintSet0 {
		constraints |= 0x80
	}
	if sps.ConstraintSet1 {
		constraints |= 0x40
	}
	w.bits(constraints, 8)
	w.bits(uint32(sps.LevelIDC), 8)
	w.ue(sps.ID)

	if sps.ProfileIDC == ProfileHigh {
		w.ue(sps.ChromaFormatIDC)
		w.ue(0)       // bit_depth_luma_minus8
		w.ue(0)       // bit_depth_chroma_minus8
		w.flag(false) // qpprime_y_zero_transform_bypass_flag
		w.flag(false) // seq_scaling_matrix_present_flag
	}

	w.ue(sps.Log2MaxFrameNumMinus4)
	w.ue(sps.PicOrderCntType)
	switch sps.PicOrderCntType {
	case 0:
		w.ue(sps.Log2MaxPicOrderCntLsbMinus4)
	case 2:
	default:
		return nil, fmt.Errorf("%w: pic_order_cnt_type %d", errBadParamSet, sps.PicOrderCntType)
	}

	w.ue(sps.MaxNumRefFrames)
	w.flag(false) // gaps_in_frame_num_value_allowed_flag
	w.ue(sps.PicWidthInMbsMinus1)
	w.ue(sps.PicHeightInMapUnitsMinus1)
	w.flag(sps.FrameMbsOnly)
	if !sps.FrameMbsOnly {
		w.flag(false) // mb_adaptive_frame_field_flag
	}
	w.flag(sps.Direct8x8Inference)

	w.flag(sps.FrameCropping)
	if sps.FrameCropping {
		w.ue(sps.CropLeft)
		w.ue(sps.CropRight)
		w.ue(sps.CropTop)
		w.ue(sps.CropBottom)
	}

	w.flag(sps.VUIPresent)
	if sps.VUIPresent {
		writeVUI(w, &sps.VUI)
	}
	w.trailing()

	return nalUnit(3, 7, w.buf), nil
}

func writeVUI(w *bitWriter, v *VUI) {
	w.flag(false) // aspect_ratio_info_present_flag
	w.flag(false) // overscan_info_present_flag
	w.flag(false) // video_signal_type_present_flag
	w.flag(false) // chroma_loc_info_present_flag
	w.flag(v.TimingInfoPresent)
	if v.TimingInfoPresent {
		w.bits(v.NumUnitsInTick, 32)
		w.bits(v.TimeScale, 32)
		w.flag(v.FixedFrameRate)
	}
	w.flag(false) // nal_hrd_parameters_present_flag
	w.flag(false) // vcl_hrd_parameters_present_flag
	w.flag(false) // pic_struct_present_flag
	w.flag(false) // bitstream_restriction_flag
}

// WritePPS implements ParamSetWriter
func (AnnexBWriter) WritePPS(pps *PPS) ([]byte, error) {
	if pps.NumRefIdxL0DefaultActiveMinus1 > 31 {
		return nil, fmt.Errorf("%w: num_ref_idx_l0_default_active_minus1 %d",
			errBadParamSet, pps.NumRefIdxL0DefaultActiveMinus1)
	}

	w := &bitWriter{}
	w.ue(pps.ID)
	w.ue(pps.SPSID)
	w.flag(pps.EntropyCodingModeCABAC)
	w.flag(false) // bottom_field_pic_order_in_frame_present_flag
	w.ue(0)       // num_slice_groups_minus1
	w.ue(pps.NumRefIdxL0DefaultActiveMinus1)
	w.ue(pps.NumRefIdxL1DefaultActiveMinus1)
	w.flag(false) // weighted_pred_flag
	w.bits(0, 2)  // weighted_bipred_idc
	w.se(pps.PicInitQPMinus26)
	w.se(0) // pic_init_qs_minus26
	w.se(0) // chroma_qp_index_offset
	w.flag(pps.DeblockingFilterControlPresent)
	w.flag(false) // constrained_intra_pred_flag
	w.flag(false) // redundant_pic_cnt_present_flag
	if pps.Transform8x8Mode {
		w.flag(true)
		w.flag(false) // pic_scaling_matrix_present_flag
		w.se(0)       // second_chroma_qp_index_offset
	}
	w.trailing()

	return nalUnit(3, 8, w.buf), nil
}
