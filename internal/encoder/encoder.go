// Package encoder drives a hardware H.264 session frame by frame: it resolves
// settings into a session configuration, numbers pictures, manages reference
// storage, submits jobs in order and reads the bitstream back asynchronously.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/dpb"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/pkg/types"
)

var (
	ErrSubmit            = errors.New("encoder: submission failed")
	ErrClosed            = errors.New("encoder: closed")
	ErrUnsupportedConfig = errors.New("encoder: configuration not supported by device")
	ErrFrameSize         = errors.New("encoder: frame size does not match settings")
	ErrOutOfOrder        = errors.New("encoder: completion counter went backwards")
)

// outputDepth bounds the submitted jobs waiting for readback
const outputDepth = 4

// Sink receives every delivered access unit, in encode order
type Sink func(frame *types.H264Frame)

// JobObserver is called for every accepted submission
type JobObserver func(job *hw.Job, fence uint64)

// orderedQueue is the single submission stream. Reference slots are
// recycled without waiting on completion, which is only sound while every
// job goes through one queue with strictly increasing fences.
type orderedQueue struct {
	session hw.Session
	last    uint64
}

func (q *orderedQueue) submit(job *hw.Job) (uint64, error) {
	fence, err := q.session.Submit(job)
	if err != nil {
		return 0, err
	}
	if fence <= q.last {
		return 0, fmt.Errorf("%w: fence %d after %d", ErrOutOfOrder, fence, q.last)
	}
	q.last = fence
	return fence, nil
}

type pendingOutput struct {
	session   hw.Session
	sessionID string
	fence     uint64
	frameNum  uint64
	width     int
	height    int
	timestamp time.Time
	duration  time.Duration
	submitted time.Time
}

// Status is a point-in-time view of the encoder
type Status struct {
	SessionID       string        `json:"session_id"`
	Sessions        uint64        `json:"sessions"`
	Profile         string        `json:"profile"`
	Level           string        `json:"level"`
	Width           uint32        `json:"width"`
	Height          uint32        `json:"height"`
	GOPLength       uint32        `json:"gop_length"`
	RefFrames       uint32        `json:"ref_frames"`
	RateControl     string        `json:"rate_control"`
	RCFlags         string        `json:"rc_flags"`
	SliceMode       string        `json:"slice_mode"`
	SliceValue      uint32        `json:"slice_value"`
	Support         string        `json:"support"`
	FramesSubmitted uint64        `json:"frames_submitted"`
	FramesDelivered uint64        `json:"frames_delivered"`
	History         int           `json:"dpb_history"`
	Pool            dpb.PoolStats `json:"pool"`
}

// Encoder is the single producer feeding a hardware session
type Encoder struct {
	dev     hw.Device
	metrics *metrics.Metrics
	writer  h264.ParamSetWriter
	ctrl    *Controller

	settingsMu sync.RWMutex
	settings   Settings
	keyframe   atomic.Bool

	// frame loop state, guarded by mu
	mu           sync.Mutex
	closed       bool
	session      hw.Session
	sessionID    string
	queue        *orderedQueue
	refs         *dpb.Manager
	sps          []byte
	pps          [][]byte
	lastPPS      int
	displayOrder uint64
	observer     JobObserver

	sinksMu sync.RWMutex
	sinks   []Sink

	statusMu sync.RWMutex
	status   Status

	procMu    sync.Mutex
	processor *h264.Processor
	out       chan pendingOutput
	inflight  sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an encoder for dev. The hardware session is opened on the
// first frame.
func New(dev hw.Device, settings Settings, m *metrics.Metrics) (*Encoder, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Encoder{
		dev:       dev,
		metrics:   m,
		writer:    h264.AnnexBWriter{},
		ctrl:      NewController(dev),
		settings:  settings,
		processor: h264.NewProcessor(),
		out:       make(chan pendingOutput, outputDepth),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.wg.Add(1)
	go e.runOutput()

	return e, nil
}

// SetJobObserver registers fn to see every accepted job
func (e *Encoder) SetJobObserver(fn JobObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

// AddSink registers a consumer of encoded access units
func (e *Encoder) AddSink(s Sink) {
	e.sinksMu.Lock()
	defer e.sinksMu.Unlock()
	e.sinks = append(e.sinks, s)
}

// RequestKeyFrame makes the next encoded picture an IDR
func (e *Encoder) RequestKeyFrame() {
	e.keyframe.Store(true)
	e.metrics.KeyframesRequested.Add(1)
}

// Settings returns the current settings
func (e *Encoder) Settings() Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateSettings replaces the settings; they apply from the next frame
func (e *Encoder) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.settingsMu.Lock()
	e.settings = s
	e.settingsMu.Unlock()
	logger.Info("Encoder", "Settings updated: %dx%d@%d/%d %s %d kbps gop=%d refs=%d",
		s.Width, s.Height, s.FpsN, s.FpsD, s.RateControl, s.Bitrate, s.GOPSize, s.RefFrames)
	return nil
}

// Status returns the state as of the last submitted frame
func (e *Encoder) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	st := e.status
	st.FramesDelivered = e.metrics.FramesDelivered.Load()
	return st
}

// Encode submits one picture. It blocks while the output queue is full.
// Calls are serialised; the hardware sees jobs in call order.
func (e *Encoder) Encode(ctx context.Context, frame *types.RawFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	settings := e.Settings()
	if uint32(frame.Width) != settings.Width || uint32(frame.Height) != settings.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize,
			frame.Width, frame.Height, settings.Width, settings.Height)
	}

	d, err := e.ctrl.Resolve(settings, e.keyframe.Swap(false))
	if err != nil {
		return err
	}
	if err := e.apply(d); err != nil {
		return err
	}
	snap := d.Snapshot

	var pic h264.PicControl
	e.ctrl.Sequencer().FillPicControl(&pic)

	isRef := snap.RefFrames > 0
	res, err := e.refs.StartFrame(isRef, &pic, e.displayOrder)
	if err != nil {
		if errors.Is(err, dpb.ErrPoolExhausted) {
			e.metrics.PoolExhausted.Add(1)
		}
		// the sequencer already advanced; resynchronise with an IDR
		e.keyframe.Store(true)
		return fmt.Errorf("failed to start frame: %w", err)
	}
	displayOrder := e.displayOrder
	e.displayOrder++

	if n := len(pic.List0); n > 1 {
		pic.PPSID = uint32(n - 1)
	}

	job := &hw.Job{
		SessionID:   e.sessionID,
		Sequence:    d.Changes,
		RateControl: snap.RateControl,
		RCFlags:     snap.RCFlags,
		Width:       snap.Width,
		Height:      snap.Height,
		Layout:      snap.Layout,
		Pic:         pic,
		References:  res.References,
		Input:       frame.Data,
		Headers:     e.headers(&pic, settings.AUD),
	}
	if isRef {
		job.Flags |= hw.PictureUsedAsReference
		job.Reconstructed = &res.Reconstructed.Ref
	}

	submitted := time.Now()
	fence, err := e.queue.submit(job)
	if err != nil {
		_ = e.refs.Abort()
		e.keyframe.Store(true)
		e.metrics.SubmitErrors.Add(1)
		logger.Error("Encoder", "Submit failed for frame %d (%s): %v", displayOrder, pic.FrameType, err)
		return fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	// the job is on the hardware from here on; its output is always read
	endErr := e.refs.EndFrame()
	if endErr != nil {
		e.keyframe.Store(true)
		logger.Error("Encoder", "Reference update failed for frame %d (%s): %v", displayOrder, pic.FrameType, endErr)
	}

	e.metrics.FramesSubmitted.Add(1)
	if e.observer != nil {
		e.observer(job, fence)
	}
	e.updateStatus(snap)

	err = e.enqueue(ctx, pendingOutput{
		session:   e.session,
		sessionID: e.sessionID,
		fence:     fence,
		frameNum:  displayOrder,
		width:     frame.Width,
		height:    frame.Height,
		timestamp: frame.Timestamp,
		duration:  frame.Duration,
		submitted: submitted,
	})
	if endErr != nil {
		return fmt.Errorf("failed to end frame: %w", endErr)
	}
	return err
}

// enqueue hands p to the output goroutine. If ctx ends while the queue is
// full the output is read back and discarded instead, and the stream
// restarts at an IDR since decoders miss a picture.
func (e *Encoder) enqueue(ctx context.Context, p pendingOutput) error {
	e.inflight.Add(1)
	e.metrics.InFlight.Add(1)
	select {
	case e.out <- p:
		return nil
	case <-ctx.Done():
	}

	e.keyframe.Store(true)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inflight.Done()
		defer e.metrics.InFlight.Add(^uint64(0))
		e.discard(p)
	}()
	return ctx.Err()
}

// discard waits for p and drops its bitstream
func (e *Encoder) discard(p pendingOutput) {
	e.metrics.OutputsDiscarded.Add(1)
	if err := p.session.Wait(e.ctx, p.fence); err != nil {
		logger.Warn("Encoder", "Wait for discarded fence %d: %v", p.fence, err)
		return
	}
	if _, err := p.session.Bitstream(p.fence); err != nil {
		logger.Warn("Encoder", "Bitstream for discarded fence %d: %v", p.fence, err)
		return
	}
	logger.Debug("Encoder", "Discarded output of frame %d (fence %d)", p.frameNum, p.fence)
}

// apply carries a decision over to the session, parameter sets and
// reference storage
func (e *Encoder) apply(d Decision) error {
	snap := d.Snapshot

	if !d.NewSession && d.Changes != 0 {
		if err := e.session.Reconfigure(snap.SessionConfig(e.sessionID)); err != nil {
			logger.Warn("Encoder", "Live reconfiguration of %s refused (%v), opening a new session", d.Changes, err)
			d.NewSession = true
			d.RebuildParams = true
			d.RebuildDPB = true
			e.ctrl.Sequencer().ForceKeyUnit()
		} else {
			e.metrics.RecordReconfiguration(changeKinds(d.Changes)...)
		}
	}

	if d.NewSession {
		if err := e.openSession(snap); err != nil {
			e.ctrl.Reset()
			return err
		}
	}
	if d.RebuildParams {
		if err := e.buildParams(snap); err != nil {
			e.ctrl.Reset()
			return err
		}
	}
	if d.RebuildDPB {
		e.releaseRefs()
		w, h := h264.CodedSize(snap.Width, snap.Height)
		refs, err := dpb.NewManager(e.dev, dpb.Config{
			Width:           w,
			Height:          h,
			MaxRefs:         snap.RefFrames,
			ArrayOfTextures: !snap.Support.Has(hw.SupportReconstructedFramesRequireTextureArrays),
		})
		if err != nil {
			e.ctrl.Reset()
			return fmt.Errorf("failed to create reference storage: %w", err)
		}
		e.refs = refs
	}
	return nil
}

// releaseRefs frees the reference storage once no submitted job can still
// read or write it
func (e *Encoder) releaseRefs() {
	if e.refs == nil {
		return
	}
	e.inflight.Wait()
	if err := e.refs.Close(); err != nil {
		logger.Warn("Encoder", "Releasing reference storage: %v", err)
	}
	e.refs = nil
}

func (e *Encoder) openSession(snap Snapshot) error {
	if e.session != nil {
		// outputs of the old session are read before it goes away
		e.inflight.Wait()
		if err := e.session.Close(); err != nil {
			logger.Warn("Encoder", "Closing session %s: %v", e.sessionID, err)
		}
		e.metrics.SessionResets.Add(1)
		e.session = nil
	}

	id := uuid.NewString()
	sess, err := e.dev.OpenSession(snap.SessionConfig(id))
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	e.session = sess
	e.sessionID = id
	e.queue = &orderedQueue{session: sess}

	e.statusMu.Lock()
	e.status.Sessions++
	e.statusMu.Unlock()

	logger.Info("Encoder", "Session %s: %dx%d %s level %s, %s, refs=%d gop=%d slices=%s/%d",
		id, snap.Width, snap.Height, snap.Profile, snap.Level, snap.RateControl.Mode(),
		snap.RefFrames, snap.Gop.GOPLength, snap.Layout.Mode, snap.Layout.Value)
	return nil
}

func (e *Encoder) buildParams(snap Snapshot) error {
	sps := h264.BuildSPS(snap.SequenceParams())
	spsBytes, err := e.writer.WriteSPS(&sps)
	if err != nil {
		return fmt.Errorf("failed to write SPS: %w", err)
	}
	set := h264.BuildPPSSet(&sps, snap.RefFrames)
	pps := make([][]byte, len(set))
	for i := range set {
		if pps[i], err = e.writer.WritePPS(&set[i]); err != nil {
			return fmt.Errorf("failed to write PPS %d: %w", i, err)
		}
	}
	e.sps = spsBytes
	e.pps = pps
	return nil
}

// headers returns the NAL units to prefix the picture with
func (e *Encoder) headers(pic *h264.PicControl, aud bool) []byte {
	var out []byte
	if aud {
		out = append(out, h264.AUD...)
	}
	id := int(pic.PPSID)
	if pic.FrameType == h264.FrameTypeIDR {
		out = append(out, e.sps...)
		out = append(out, e.pps[id]...)
		e.lastPPS = id
	} else if id != e.lastPPS {
		out = append(out, e.pps[id]...)
		e.lastPPS = id
	}
	return out
}

func (e *Encoder) updateStatus(snap Snapshot) {
	e.metrics.UpdateStorage(e.refs.Len(), e.refs.PoolStats().Busy, e.refs.PoolStats().Allocated)

	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status.SessionID = e.sessionID
	e.status.Profile = snap.Profile.String()
	e.status.Level = snap.Level.String()
	e.status.Width = snap.Width
	e.status.Height = snap.Height
	e.status.GOPLength = snap.Gop.GOPLength
	e.status.RefFrames = snap.RefFrames
	e.status.RateControl = snap.RateControl.Mode().String()
	e.status.RCFlags = snap.RCFlags.String()
	e.status.SliceMode = snap.Layout.Mode.String()
	e.status.SliceValue = snap.Layout.Value
	e.status.Support = snap.Support.String()
	e.status.FramesSubmitted = e.metrics.FramesSubmitted.Load()
	e.status.History = e.refs.Len()
	e.status.Pool = e.refs.PoolStats()
}

// runOutput reads back completed jobs in submission order
func (e *Encoder) runOutput() {
	defer e.wg.Done()
	for p := range e.out {
		e.deliver(p)
		e.metrics.InFlight.Add(^uint64(0))
		e.inflight.Done()
	}
}

func (e *Encoder) deliver(p pendingOutput) {
	if err := p.session.Wait(e.ctx, p.fence); err != nil {
		e.metrics.OutputErrors.Add(1)
		logger.Error("Encoder", "Wait for fence %d: %v", p.fence, err)
		return
	}
	data, err := p.session.Bitstream(p.fence)
	if err != nil {
		e.metrics.OutputErrors.Add(1)
		logger.Error("Encoder", "Bitstream for fence %d: %v", p.fence, err)
		return
	}

	latency := time.Since(p.submitted)
	frame := &types.H264Frame{
		Data:          data,
		Timestamp:     p.timestamp,
		Duration:      p.duration,
		FrameNum:      p.frameNum,
		Width:         p.width,
		Height:        p.height,
		SessionID:     p.sessionID,
		SubmitFence:   p.fence,
		EncodeLatency: latency,
	}
	e.procMu.Lock()
	e.processor.Process(frame)
	e.procMu.Unlock()

	e.metrics.FramesDelivered.Add(1)
	e.metrics.BytesEncoded.Add(uint64(len(data)))
	e.metrics.UpdateEncodeLatency(latency)
	if frame.IsIDR {
		e.metrics.IDRFrames.Add(1)
	}

	e.sinksMu.RLock()
	defer e.sinksMu.RUnlock()
	for _, sink := range e.sinks {
		sink(frame)
	}
}

// Headers returns the latest SPS and PPS seen in the output
func (e *Encoder) Headers() []byte {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	return e.processor.Headers()
}

// Close drains submitted work and closes the session
func (e *Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.out)
	e.mu.Unlock()

	e.wg.Wait()
	e.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseRefs()
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		e.session = nil
	}
	return nil
}

func changeKinds(f hw.SequenceFlags) []string {
	var kinds []string
	if f&hw.SequenceRateControlChange != 0 {
		kinds = append(kinds, "rate_control")
	}
	if f&hw.SequenceSubregionLayoutChange != 0 {
		kinds = append(kinds, "layout")
	}
	if f&hw.SequenceGOPChange != 0 {
		kinds = append(kinds, "gop")
	}
	if f&hw.SequenceResolutionChange != 0 {
		kinds = append(kinds, "resolution")
	}
	return kinds
}
