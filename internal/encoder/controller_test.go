package encoder

import (
	"errors"
	"testing"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw/sim"
)

func newTestDevice(t *testing.T, mutate func(p *sim.Profile)) *sim.Device {
	t.Helper()
	p := sim.DefaultProfile()
	p.Latency = 0
	if mutate != nil {
		mutate(&p)
	}
	dev, err := sim.New(p)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	return dev
}

func resolve(t *testing.T, c *Controller, s Settings) Decision {
	t.Helper()
	d, err := c.Resolve(s, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return d
}

func TestResolveRefFrames(t *testing.T) {
	caps := hw.Caps{MaxL0ReferencesForP: 4, MaxDPBCapacity: 16}
	tests := []struct {
		name      string
		caps      hw.Caps
		gop       uint32
		requested uint32
		want      uint32
	}{
		{"auto", caps, 60, 0, 1},
		{"requested", caps, 60, 3, 3},
		{"clamped to l0", caps, 60, 8, 4},
		{"clamped to dpb", hw.Caps{MaxL0ReferencesForP: 8, MaxDPBCapacity: 2}, 60, 8, 2},
		{"all intra", caps, 1, 3, 0},
		{"no inter support", hw.Caps{MaxDPBCapacity: 16}, 60, 3, 0},
		{"unbounded gop", caps, 0, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveRefFrames(tt.caps, tt.gop, tt.requested); got != tt.want {
				t.Fatalf("resolveRefFrames = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	c := NewController(newTestDevice(t, nil))
	s := DefaultSettings()

	first := resolve(t, c, s)
	if !first.Initial || !first.NewSession || !first.RebuildParams || !first.RebuildDPB {
		t.Fatalf("first decision = %+v", first)
	}

	second := resolve(t, c, s)
	if second.Changes != 0 || second.NewSession || second.Initial || second.RebuildParams || second.RebuildDPB {
		t.Fatalf("identical settings produced changes: %+v", second)
	}
	if second.Snapshot != first.Snapshot {
		t.Fatalf("snapshot changed: %+v -> %+v", first.Snapshot, second.Snapshot)
	}
}

func TestRateControlFallback(t *testing.T) {
	tests := []struct {
		name      string
		supported []string
		requested string
		want      hw.RateControlMode
	}{
		{"supported", []string{"cbr", "vbr"}, "cbr", hw.RateControlCBR},
		{"vbr first", []string{"cqp", "cbr", "vbr", "qvbr"}, "bogus", hw.RateControlVBR},
		{"qvbr before cbr", []string{"cbr", "qvbr"}, "cqp", hw.RateControlQVBR},
		{"cbr before cqp", []string{"cqp", "cbr"}, "vbr", hw.RateControlCBR},
		{"cqp last", []string{"cqp"}, "qvbr", hw.RateControlCQP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t, func(p *sim.Profile) { p.RateControlModes = tt.supported })
			c := NewController(dev)
			s := DefaultSettings()
			s.RateControl = tt.requested
			d, err := c.Resolve(s, false)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got := d.Snapshot.RateControl.Mode(); got != tt.want {
				t.Fatalf("mode = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProfileFallback(t *testing.T) {
	tests := []struct {
		name      string
		supported []string
		requested string
		want      h264.Profile
	}{
		{"supported", []string{"baseline", "main", "high"}, "high", h264.ProfileHigh},
		{"main first", []string{"baseline", "main"}, "high", h264.ProfileMain},
		{"high before baseline", []string{"baseline", "high"}, "main", h264.ProfileHigh},
		{"baseline last", []string{"baseline"}, "high", h264.ProfileBaseline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t, func(p *sim.Profile) { p.Profiles = tt.supported })
			c := NewController(dev)
			s := DefaultSettings()
			s.Profile = tt.requested
			d := resolve(t, c, s)
			if d.Snapshot.Profile != tt.want {
				t.Fatalf("profile = %s, want %s", d.Snapshot.Profile, tt.want)
			}
			if d.Snapshot.SequenceParams().Profile != tt.want {
				t.Fatalf("parameter sets use %s", d.Snapshot.SequenceParams().Profile)
			}

			// the substitute is stable from frame to frame
			d = resolve(t, c, s)
			if d.NewSession || d.Changes != 0 {
				t.Fatalf("repeat resolve changed the session: %+v", d)
			}
		})
	}
}

func TestBitrateDefaults(t *testing.T) {
	c := NewController(newTestDevice(t, nil))

	s := DefaultSettings()
	s.Bitrate = 0
	s.MaxBitrate = 0
	d := resolve(t, c, s)
	if d.Snapshot.RateControl != (hw.VBR{TargetBitrate: 2_000_000, PeakBitrate: 4_000_000}) {
		t.Fatalf("defaults = %+v", d.Snapshot.RateControl)
	}

	s.Bitrate = 3000
	s.MaxBitrate = 1000
	d = resolve(t, c, s)
	if d.Snapshot.RateControl != (hw.VBR{TargetBitrate: 3_000_000, PeakBitrate: 6_000_000}) {
		t.Fatalf("low peak = %+v", d.Snapshot.RateControl)
	}
	if d.Changes != hw.SequenceRateControlChange || d.NewSession {
		t.Fatalf("bitrate change decision = %+v", d)
	}
}

func TestOptionalRateControlFeatures(t *testing.T) {
	s := DefaultSettings()
	s.FrameAnalysis = true
	s.QPInit = 20
	s.QPMin = 10
	s.QPMax = 40

	c := NewController(newTestDevice(t, func(p *sim.Profile) { p.InitialQP = false }))
	d := resolve(t, c, s)
	if want := hw.RCFlagFrameAnalysis | hw.RCFlagQPRange; d.Snapshot.RCFlags != want {
		t.Fatalf("flags = %s, want %s", d.Snapshot.RCFlags, want)
	}
	want := hw.VBR{QPBounds: hw.QPBounds{MinQP: 10, MaxQP: 40}, TargetBitrate: 2_000_000, PeakBitrate: 4_000_000}
	if d.Snapshot.RateControl != want {
		t.Fatalf("rate control = %+v", d.Snapshot.RateControl)
	}

	c = NewController(newTestDevice(t, nil))
	s.RateControl = "cqp"
	d = resolve(t, c, s)
	if d.Snapshot.RCFlags&hw.RCFlagInitialQP != 0 {
		t.Fatalf("initial QP enabled for constant QP")
	}

	s.RateControl = "cbr"
	s.QPMin = 30
	s.QPMax = 20
	d = resolve(t, c, s)
	if want := hw.RCFlagFrameAnalysis | hw.RCFlagInitialQP; d.Snapshot.RCFlags != want {
		t.Fatalf("inverted range flags = %s, want %s", d.Snapshot.RCFlags, want)
	}
}

func TestSliceLayoutResolution(t *testing.T) {
	// 1280x720 is 80x45 macroblocks; the simulator allows 32 slices
	tests := []struct {
		name      string
		mode      string
		partition uint32
		want      hw.SliceLayout
	}{
		{"full", "full", 4, hw.FullFrameLayout},
		{"no partition", "slices", 0, hw.FullFrameLayout},
		{"slices", "slices", 4, hw.SliceLayout{Mode: hw.SubregionUniformSubregionsPerFrame, Value: 4, MaxSubregions: 32}},
		{"slices clamped", "slices", 100, hw.SliceLayout{Mode: hw.SubregionUniformSubregionsPerFrame, Value: 32, MaxSubregions: 32}},
		{"single slice", "slices", 1, hw.FullFrameLayout},
		{"rows", "mb-rows", 10, hw.SliceLayout{Mode: hw.SubregionUniformRowsPerSubregion, Value: 10, MaxSubregions: 32}},
		{"rows raised to limit", "mb-rows", 1, hw.SliceLayout{Mode: hw.SubregionUniformRowsPerSubregion, Value: 2, MaxSubregions: 32}},
		{"rows cover frame", "mb-rows", 45, hw.FullFrameLayout},
		{"blocks raised to limit", "mb-units", 10, hw.SliceLayout{Mode: hw.SubregionSquareUnitsPerRow, Value: 113, MaxSubregions: 32}},
		{"blocks cover frame", "mb-units", 3600, hw.FullFrameLayout},
		{"bytes", "bytes", 1500, hw.SliceLayout{Mode: hw.SubregionBytesPerSubregion, Value: 1500, MaxSubregions: 32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(newTestDevice(t, nil))
			s := DefaultSettings()
			s.SliceMode = tt.mode
			s.SlicePartition = tt.partition
			d := resolve(t, c, s)
			if d.Snapshot.Layout != tt.want {
				t.Fatalf("layout = %+v, want %+v", d.Snapshot.Layout, tt.want)
			}
		})
	}
}

func TestUnsupportedSliceModeFallsBack(t *testing.T) {
	c := NewController(newTestDevice(t, func(p *sim.Profile) { p.SliceModes = []string{"full"} }))
	s := DefaultSettings()
	s.SliceMode = "slices"
	s.SlicePartition = 4
	if d := resolve(t, c, s); d.Snapshot.Layout != hw.FullFrameLayout {
		t.Fatalf("layout = %+v", d.Snapshot.Layout)
	}
}

func TestHotReconfigureVersusNewSession(t *testing.T) {
	c := NewController(newTestDevice(t, nil))
	s := DefaultSettings()
	resolve(t, c, s)

	s.Bitrate = 5000
	s.MaxBitrate = 8000
	d := resolve(t, c, s)
	if d.Changes != hw.SequenceRateControlChange || d.NewSession || d.RebuildParams {
		t.Fatalf("rate control change: %+v", d)
	}

	s.SliceMode = "slices"
	s.SlicePartition = 4
	d = resolve(t, c, s)
	if d.Changes != hw.SequenceSubregionLayoutChange || d.NewSession {
		t.Fatalf("layout change: %+v", d)
	}

	// the default profile cannot change the GOP of a live session
	s.GOPSize = 30
	d = resolve(t, c, s)
	if d.Changes != hw.SequenceGOPChange || !d.NewSession || !d.RebuildDPB {
		t.Fatalf("gop change: %+v", d)
	}
	var pic h264.PicControl
	c.Sequencer().FillPicControl(&pic)
	if pic.FrameType != h264.FrameTypeIDR {
		t.Fatalf("first picture after teardown is %s", pic.FrameType)
	}
}

func TestReferenceCountChangeIsGOPChange(t *testing.T) {
	c := NewController(newTestDevice(t, func(p *sim.Profile) { p.Reconfigure.GOP = true }))
	s := DefaultSettings()
	resolve(t, c, s)

	s.RefFrames = 3
	d := resolve(t, c, s)
	if d.Changes != hw.SequenceGOPChange || d.NewSession || !d.RebuildDPB || !d.RebuildParams {
		t.Fatalf("decision = %+v", d)
	}
	if d.Snapshot.RefFrames != 3 {
		t.Fatalf("refs = %d", d.Snapshot.RefFrames)
	}
}

func TestResolutionChange(t *testing.T) {
	c := NewController(newTestDevice(t, func(p *sim.Profile) { p.Reconfigure.Resolution = true }))
	s := DefaultSettings()
	resolve(t, c, s)

	// 1280x704 stays at level 3.1
	s.Height = 704
	d := resolve(t, c, s)
	if d.Changes != hw.SequenceResolutionChange || d.NewSession || !d.RebuildDPB {
		t.Fatalf("same level resize: %+v", d)
	}

	// 1920x1080 needs level 4
	s.Width, s.Height = 1920, 1080
	d = resolve(t, c, s)
	if !d.NewSession {
		t.Fatalf("level change kept the session: %+v", d)
	}
	if d.Snapshot.Level != h264.Level4 {
		t.Fatalf("level = %s", d.Snapshot.Level)
	}
}

func TestAllIntraWithoutInterSupport(t *testing.T) {
	c := NewController(newTestDevice(t, func(p *sim.Profile) { p.MaxL0References = 0 }))
	d := resolve(t, c, DefaultSettings())
	if d.Snapshot.RefFrames != 0 || d.Snapshot.Gop.GOPLength != 1 || d.Snapshot.Gop.PPicturePeriod != 0 {
		t.Fatalf("snapshot = %+v", d.Snapshot)
	}
	for i := 0; i < 3; i++ {
		var pic h264.PicControl
		c.Sequencer().FillPicControl(&pic)
		if pic.FrameType != h264.FrameTypeIDR {
			t.Fatalf("picture %d is %s", i, pic.FrameType)
		}
	}
}

func TestForcedKeyFrame(t *testing.T) {
	c := NewController(newTestDevice(t, nil))
	s := DefaultSettings()
	resolve(t, c, s)
	var pic h264.PicControl
	c.Sequencer().FillPicControl(&pic)
	c.Sequencer().FillPicControl(&pic)
	if pic.FrameType != h264.FrameTypeP {
		t.Fatalf("second picture is %s", pic.FrameType)
	}

	d, err := c.Resolve(s, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Changes != 0 || d.NewSession {
		t.Fatalf("keyframe request changed the configuration: %+v", d)
	}
	c.Sequencer().FillPicControl(&pic)
	if pic.FrameType != h264.FrameTypeIDR {
		t.Fatalf("forced picture is %s", pic.FrameType)
	}
}

func TestUnsupportedConfiguration(t *testing.T) {
	c := NewController(newTestDevice(t, func(p *sim.Profile) { p.MaxWidth = 640 }))
	_, err := c.Resolve(DefaultSettings(), false)
	if !errors.Is(err, ErrUnsupportedConfig) {
		t.Fatalf("expected ErrUnsupportedConfig, got %v", err)
	}
	if _, ok := c.Current(); ok {
		t.Fatalf("rejected configuration was recorded")
	}
}

func TestSnapshotDiff(t *testing.T) {
	base := Snapshot{Width: 640, Height: 480, FpsN: 30, FpsD: 1, RateControl: hw.CBR{TargetBitrate: 1}}
	tests := []struct {
		name   string
		mutate func(s *Snapshot)
		want   hw.SequenceFlags
	}{
		{"same", func(*Snapshot) {}, 0},
		{"bitrate", func(s *Snapshot) { s.RateControl = hw.CBR{TargetBitrate: 2} }, hw.SequenceRateControlChange},
		{"mode", func(s *Snapshot) { s.RateControl = hw.VBR{TargetBitrate: 1} }, hw.SequenceRateControlChange},
		{"framerate", func(s *Snapshot) { s.FpsN = 60 }, hw.SequenceRateControlChange},
		{"layout", func(s *Snapshot) { s.Layout = hw.FullFrameLayout }, hw.SequenceSubregionLayoutChange},
		{"refs", func(s *Snapshot) { s.RefFrames = 2 }, hw.SequenceGOPChange},
		{"resolution", func(s *Snapshot) { s.Width = 320 }, hw.SequenceResolutionChange},
		{"support only", func(s *Snapshot) { s.Support = hw.SupportGeneralOK }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base
			tt.mutate(&next)
			if got := base.Diff(next); got != tt.want {
				t.Fatalf("Diff = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSettingsMerge(t *testing.T) {
	s := DefaultSettings()
	next, err := s.Merge([]byte(`{"bitrate": 3500, "rate_control": "cbr"}`))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if next.Bitrate != 3500 || next.RateControl != "cbr" || next.GOPSize != s.GOPSize {
		t.Fatalf("merged = %+v", next)
	}

	if _, err := s.Merge([]byte(`{"width": 641}`)); err == nil {
		t.Fatalf("odd width accepted")
	}
	if _, err := s.Merge([]byte(`{"qp_i": 60}`)); err == nil {
		t.Fatalf("qp above 51 accepted")
	}
	if _, err := s.Merge([]byte(`{"slice_mode": "tiles"}`)); err == nil {
		t.Fatalf("unknown slice mode accepted")
	}
}
