package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
)

type pending struct {
	fence uint64
	job   *hw.Job
}

type session struct {
	dev *Device

	mu        sync.Mutex
	cfg       hw.SessionConfig
	submitted uint64
	outputs   map[uint64][]byte
	notify    chan struct{}
	closed    bool

	completed atomic.Uint64
	queue     chan pending
	done      chan struct{}
}

func newSession(d *Device, cfg hw.SessionConfig) *session {
	s := &session{
		dev:     d,
		cfg:     cfg,
		outputs: make(map[uint64][]byte),
		notify:  make(chan struct{}),
		queue:   make(chan pending, 64),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// run executes jobs in submission order
func (s *session) run() {
	defer close(s.done)
	for p := range s.queue {
		if d := s.dev.profile.Latency; d > 0 {
			time.Sleep(d)
		}
		out := encodeJob(p.job)

		s.mu.Lock()
		s.outputs[p.fence] = out
		s.completed.Store(p.fence)
		close(s.notify)
		s.notify = make(chan struct{})
		s.mu.Unlock()
	}
}

func (s *session) Reconfigure(cfg hw.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if cfg.ID != s.cfg.ID {
		return fmt.Errorf("%w: %s != %s", ErrWrongSession, cfg.ID, s.cfg.ID)
	}
	tol := s.dev.tolerance
	if cfg.RateControl != s.cfg.RateControl || cfg.RCFlags != s.cfg.RCFlags {
		if !tol.Has(hw.SupportRateControlReconfiguration) {
			return fmt.Errorf("%w: rate control", ErrNotReconfigurable)
		}
	}
	if cfg.Layout != s.cfg.Layout && !tol.Has(hw.SupportSubregionLayoutReconfiguration) {
		return fmt.Errorf("%w: slice layout", ErrNotReconfigurable)
	}
	if (cfg.Gop != s.cfg.Gop || cfg.MaxRefs != s.cfg.MaxRefs) && !tol.Has(hw.SupportSequenceGOPReconfiguration) {
		return fmt.Errorf("%w: gop", ErrNotReconfigurable)
	}
	if (cfg.Width != s.cfg.Width || cfg.Height != s.cfg.Height) && !tol.Has(hw.SupportResolutionReconfiguration) {
		return fmt.Errorf("%w: resolution", ErrNotReconfigurable)
	}
	if cfg.Level != s.cfg.Level || cfg.Profile != s.cfg.Profile {
		return fmt.Errorf("%w: profile/level", ErrNotReconfigurable)
	}
	s.cfg = cfg
	return nil
}

func (s *session) Submit(job *hw.Job) (uint64, error) {
	if err := s.validate(job); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	s.submitted++
	fence := s.submitted
	s.mu.Unlock()

	s.dev.recordJob(job)

	// Slice data is derived at submit time; the caller may reuse Input afterwards
	c := *job
	c.Input = sampleInput(job.Input)
	s.queue <- pending{fence: fence, job: &c}
	return fence, nil
}

func (s *session) validate(job *hw.Job) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if job.SessionID != cfg.ID {
		return fmt.Errorf("%w: %s", ErrWrongSession, job.SessionID)
	}
	if job.Width != cfg.Width || job.Height != cfg.Height {
		return fmt.Errorf("%w: job %dx%d on %dx%d session", ErrInvalidJob, job.Width, job.Height, cfg.Width, cfg.Height)
	}
	if job.RateControl == nil {
		return fmt.Errorf("%w: missing rate control", ErrInvalidJob)
	}

	pic := &job.Pic
	if pic.FrameType == h264.FrameTypeP && len(pic.List0) == 0 {
		return fmt.Errorf("%w: P picture without list0", ErrInvalidJob)
	}
	for _, idx := range append(append([]uint32(nil), pic.List0...), pic.List1...) {
		if int(idx) >= len(pic.Descriptors) {
			return fmt.Errorf("%w: list index %d out of %d descriptors", ErrInvalidJob, idx, len(pic.Descriptors))
		}
	}
	for _, desc := range pic.Descriptors {
		if int(desc.ResourceIndex) >= len(job.References) {
			return fmt.Errorf("%w: resource index %d out of %d references", ErrInvalidJob, desc.ResourceIndex, len(job.References))
		}
	}
	if job.Flags&hw.PictureUsedAsReference != 0 && job.Reconstructed == nil {
		return fmt.Errorf("%w: reference picture without reconstruction target", ErrInvalidJob)
	}
	if rec := job.Reconstructed; rec != nil {
		for _, ref := range job.References {
			if ref.Texture.ID() == rec.Texture.ID() && ref.Subresource == rec.Subresource {
				return fmt.Errorf("%w: reconstruction target aliases a live reference", ErrInvalidJob)
			}
		}
	}
	return nil
}

func (s *session) Completed() uint64 {
	return s.completed.Load()
}

func (s *session) Wait(ctx context.Context, fence uint64) error {
	for {
		s.mu.Lock()
		if s.completed.Load() >= fence {
			s.mu.Unlock()
			return nil
		}
		if fence > s.submitted {
			s.mu.Unlock()
			return fmt.Errorf("%w: fence %d was never submitted", ErrInvalidJob, fence)
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *session) Bitstream(fence uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, ok := s.outputs[fence]
	if !ok {
		return nil, fmt.Errorf("%w: fence %d", ErrNotReady, fence)
	}
	delete(s.outputs, fence)
	return out, nil
}

// Close waits for submitted work to finish
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done
	return nil
}

// sampleInput keeps a small non-zero fingerprint of the picture
func sampleInput(in []byte) []byte {
	const n = 256
	out := make([]byte, n)
	for i := range out {
		var b byte = 0x5a
		if len(in) > 0 {
			b = in[(i*len(in))/n]
		}
		out[i] = b | 0x01
	}
	return out
}

// encodeJob produces the access unit for a job: the prefix headers followed
// by one slice NAL per subregion. Payload bytes are never zero, so no start
// code can appear inside a slice.
func encodeJob(job *hw.Job) []byte {
	size := payloadSize(job)

	slices := uint32(1)
	if job.Layout.Mode == hw.SubregionUniformSubregionsPerFrame && job.Layout.Value > 1 {
		slices = job.Layout.Value
	}
	per := max(size/int(slices), 8)

	refIdc := byte(0)
	if job.Flags&hw.PictureUsedAsReference != 0 {
		refIdc = 3
	}
	nalType := byte(1)
	if job.Pic.FrameType == h264.FrameTypeIDR {
		nalType = 5
	}

	out := append([]byte(nil), job.Headers...)
	for i := uint32(0); i < slices; i++ {
		out = append(out, 0x00, 0x00, 0x00, 0x01, refIdc<<5|nalType)
		// first_mb_in_slice marker and numbering, kept non-zero
		out = append(out, 0x80|byte(i&0x7f), byte(job.Pic.FrameNum)|0x01, byte(job.Pic.PicOrderCnt)|0x01)
		for j := 0; j < per; j++ {
			out = append(out, job.Input[(j+int(i))%len(job.Input)])
		}
	}
	return out
}

func payloadSize(job *hw.Job) int {
	var size int
	switch rc := job.RateControl.(type) {
	case hw.ConstantQP:
		qp := rc.QPP
		if job.Pic.FrameType.IsIntra() {
			qp = rc.QPI
		}
		size = 4096 >> (min(qp, 51) / 6)
	case hw.CBR:
		size = int(rc.TargetBitrate / 8 / 30)
	case hw.VBR:
		size = int(rc.TargetBitrate / 8 / 30)
	case hw.QVBR:
		size = int(rc.TargetBitrate / 8 / 30)
	}
	if job.Pic.FrameType.IsIntra() {
		size *= 3
	}
	return min(max(size, 64), 64*1024)
}
