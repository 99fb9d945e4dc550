package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
)

func newTestDevice(t *testing.T, mutate func(*Profile)) *Device {
	t.Helper()
	p := DefaultProfile()
	p.Latency = 0
	if mutate != nil {
		mutate(&p)
	}
	d, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func baseRequest() hw.SupportRequest {
	return hw.SupportRequest{
		Profile:     h264.ProfileHigh,
		Width:       1280,
		Height:      720,
		FpsN:        30,
		FpsD:        1,
		RateControl: hw.VBR{TargetBitrate: 2_000_000, PeakBitrate: 4_000_000},
		Layout:      hw.FullFrameLayout,
		Gop:         h264.GopStruct{GOPLength: 60, PPicturePeriod: 1, PicOrderCntType: 2},
		RefFrames:   1,
	}
}

func TestCheckSupport(t *testing.T) {
	d := newTestDevice(t, func(p *Profile) {
		p.RateControlModes = []string{"cbr", "cqp"}
		p.Reconfigure = Reconfigure{RateControl: true}
		p.QPRange = false
	})

	res, err := d.CheckSupport(baseRequest())
	if err != nil {
		t.Fatalf("CheckSupport: %v", err)
	}
	if res.OK() {
		t.Fatalf("VBR should be rejected")
	}
	if res.Validation&hw.ValidationRateControlModeNotSupported == 0 {
		t.Fatalf("validation = %b", res.Validation)
	}

	req := baseRequest()
	req.RateControl = hw.CBR{TargetBitrate: 2_000_000}
	res, _ = d.CheckSupport(req)
	if !res.OK() {
		t.Fatalf("CBR should be accepted, validation %b", res.Validation)
	}
	if res.SuggestedLevel != h264.Level31 {
		t.Fatalf("suggested level %s", res.SuggestedLevel)
	}
	if !res.Flags.Has(hw.SupportRateControlReconfiguration) || res.Flags.Has(hw.SupportSequenceGOPReconfiguration) {
		t.Fatalf("unexpected tolerance flags: %s", res.Flags)
	}
	if res.Flags.Has(hw.SupportRateControlAdjustableQPRange) {
		t.Fatalf("qp range advertised while disabled")
	}
	if res.Limits.MaxSubregions != 32 || res.Limits.SubregionBlockPixels != 16 {
		t.Fatalf("limits %+v", res.Limits)
	}

	req.Width = 8192
	res, _ = d.CheckSupport(req)
	if res.Validation&hw.ValidationResolutionNotSupported == 0 {
		t.Fatalf("oversized picture accepted")
	}
}

func TestCreateTextureLimit(t *testing.T) {
	d := newTestDevice(t, func(p *Profile) { p.MaxTextures = 2 })
	desc := hw.TextureDesc{Width: 64, Height: 64, ArraySize: 1}
	a, err := d.CreateTexture(desc)
	if err != nil {
		t.Fatalf("first texture: %v", err)
	}
	b, err := d.CreateTexture(desc)
	if err != nil {
		t.Fatalf("second texture: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("texture ids collide")
	}
	if _, err := d.CreateTexture(desc); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	if err := d.DestroyTexture(a); err != nil {
		t.Fatalf("DestroyTexture: %v", err)
	}
	if n := d.TextureCount(); n != 1 {
		t.Fatalf("live textures = %d, want 1", n)
	}
	if _, err := d.CreateTexture(desc); err != nil {
		t.Fatalf("allocation after destroy: %v", err)
	}
	if err := d.DestroyTexture(a); !errors.Is(err, ErrUnknownTexture) {
		t.Fatalf("expected ErrUnknownTexture on double destroy, got %v", err)
	}
}

func openTestSession(t *testing.T, d *Device) hw.Session {
	t.Helper()
	s, err := d.OpenSession(hw.SessionConfig{
		ID:          "test-session",
		Profile:     h264.ProfileHigh,
		Level:       h264.Level31,
		Width:       1280,
		Height:      720,
		RateControl: hw.ConstantQP{QPI: 23, QPP: 23, QPB: 23},
		Layout:      hw.FullFrameLayout,
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func idrJob(tex hw.Texture) *hw.Job {
	return &hw.Job{
		SessionID:     "test-session",
		Flags:         hw.PictureUsedAsReference,
		RateControl:   hw.ConstantQP{QPI: 23, QPP: 23, QPB: 23},
		Width:         1280,
		Height:        720,
		Layout:        hw.FullFrameLayout,
		Pic:           h264.PicControl{FrameType: h264.FrameTypeIDR},
		Reconstructed: &hw.TextureRef{Texture: tex},
		Input:         []byte{1, 2, 3, 4},
		Headers:       h264.AUD,
	}
}

func TestSessionCompletesInOrder(t *testing.T) {
	d := newTestDevice(t, nil)
	s := openTestSession(t, d)
	tex, _ := d.CreateTexture(hw.TextureDesc{Width: 1280, Height: 720, ArraySize: 1})

	var fences []uint64
	for i := 0; i < 5; i++ {
		f, err := s.Submit(idrJob(tex))
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		fences = append(fences, f)
	}
	for i, f := range fences {
		if f != uint64(i+1) {
			t.Fatalf("fence %d = %d", i, f)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx, fences[len(fences)-1]); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.Completed() != 5 {
		t.Fatalf("Completed = %d", s.Completed())
	}

	out, err := s.Bitstream(fences[0])
	if err != nil {
		t.Fatalf("Bitstream: %v", err)
	}
	if !h264.IsIDRFrame(out) || h264.ExtractNALType(out) != 9 {
		t.Fatalf("unexpected access unit % x", out[:12])
	}
	if _, err := s.Bitstream(fences[0]); !errors.Is(err, ErrNotReady) {
		t.Fatalf("second read should fail, got %v", err)
	}
}

func TestSessionRejectsInvalidJobs(t *testing.T) {
	d := newTestDevice(t, nil)
	s := openTestSession(t, d)
	tex, _ := d.CreateTexture(hw.TextureDesc{Width: 1280, Height: 720, ArraySize: 2})

	p := idrJob(tex)
	p.Pic.FrameType = h264.FrameTypeP
	if _, err := s.Submit(p); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("P without list0: %v", err)
	}

	alias := idrJob(tex)
	alias.Pic = h264.PicControl{
		FrameType:   h264.FrameTypeP,
		List0:       []uint32{0},
		Descriptors: []h264.RefPicDescriptor{{ResourceIndex: 0}},
	}
	alias.References = []hw.TextureRef{{Texture: tex, Subresource: 0}}
	if _, err := s.Submit(alias); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("aliased reconstruction target: %v", err)
	}

	alias.Reconstructed = &hw.TextureRef{Texture: tex, Subresource: 1}
	if _, err := s.Submit(alias); err != nil {
		t.Fatalf("valid P job rejected: %v", err)
	}

	wrong := idrJob(tex)
	wrong.SessionID = "other"
	if _, err := s.Submit(wrong); !errors.Is(err, ErrWrongSession) {
		t.Fatalf("wrong session: %v", err)
	}
}

func TestSessionReconfigureTolerance(t *testing.T) {
	d := newTestDevice(t, nil)
	s := openTestSession(t, d)

	cfg := hw.SessionConfig{
		ID:          "test-session",
		Profile:     h264.ProfileHigh,
		Level:       h264.Level31,
		Width:       1280,
		Height:      720,
		RateControl: hw.CBR{TargetBitrate: 1_000_000},
		Layout:      hw.FullFrameLayout,
	}
	if err := s.Reconfigure(cfg); err != nil {
		t.Fatalf("rate control change should be tolerated: %v", err)
	}

	cfg.Gop = h264.GopStruct{GOPLength: 30}
	if err := s.Reconfigure(cfg); !errors.Is(err, ErrNotReconfigurable) {
		t.Fatalf("gop change should need a new session, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	d := newTestDevice(t, func(p *Profile) { p.Latency = time.Second })
	s := openTestSession(t, d)
	tex, _ := d.CreateTexture(hw.TextureDesc{Width: 1280, Height: 720, ArraySize: 1})

	f, err := s.Submit(idrJob(tex))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx, f); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
