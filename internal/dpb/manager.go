package dpb

import (
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
)

type refEntry struct {
	slot Slot
	desc h264.RefPicDescriptor
}

type frameState struct {
	isRef bool
	slot  *Slot
	desc  h264.RefPicDescriptor
}

// FrameResources are the textures a started frame reads and writes
type FrameResources struct {
	Reconstructed *Slot
	References    []hw.TextureRef
}

// Config sizes a Manager
type Config struct {
	Width           uint32
	Height          uint32
	MaxRefs         uint32
	ArrayOfTextures bool
}

// Manager keeps the reference history of a session, most recent first.
// StartFrame and EndFrame bracket each encode; calls are not safe for
// concurrent use.
type Manager struct {
	pool        *Pool
	maxRefs     int
	history     []refEntry
	cur         *frameState
	encodeOrder uint64
}

// NewManager creates a manager backed by a pool of MaxRefs+1 slots, one for
// the picture under reconstruction
func NewManager(alloc Allocator, cfg Config) (*Manager, error) {
	pool, err := NewPool(alloc, cfg.Width, cfg.Height, cfg.MaxRefs+1, cfg.ArrayOfTextures)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pool:    pool,
		maxRefs: int(cfg.MaxRefs),
		history: make([]refEntry, 0, cfg.MaxRefs),
	}, nil
}

// StartFrame prepares the reference state for the picture described by ctrl.
// It fills ctrl's reference lists and descriptors. On failure nothing changes.
func (m *Manager) StartFrame(isRef bool, ctrl *h264.PicControl, displayOrder uint64) (FrameResources, error) {
	if m.cur != nil {
		return FrameResources{}, ErrFrameInProgress
	}

	var res FrameResources
	st := &frameState{isRef: isRef}
	if isRef {
		slot, err := m.pool.Acquire()
		if err != nil {
			return FrameResources{}, fmt.Errorf("failed to acquire reconstruction slot: %w", err)
		}
		st.slot = &slot
		res.Reconstructed = &slot
	}

	if ctrl.FrameType == h264.FrameTypeIDR {
		m.clear()
	}

	ctrl.List0 = ctrl.List0[:0]
	ctrl.List1 = ctrl.List1[:0]
	ctrl.Descriptors = ctrl.Descriptors[:0]
	if ctrl.FrameType == h264.FrameTypeP || ctrl.FrameType == h264.FrameTypeB {
		res.References = make([]hw.TextureRef, 0, len(m.history))
		for i, e := range m.history {
			res.References = append(res.References, e.slot.Ref)
			ctrl.Descriptors = append(ctrl.Descriptors, e.desc)
			if e.desc.DisplayOrder < displayOrder {
				ctrl.List0 = append(ctrl.List0, uint32(i))
			} else if ctrl.FrameType == h264.FrameTypeB && e.desc.DisplayOrder > displayOrder {
				ctrl.List1 = append(ctrl.List1, uint32(i))
			}
		}
	}

	st.desc = h264.RefPicDescriptor{
		FrameNum:      ctrl.FrameNum,
		PicOrderCnt:   ctrl.PicOrderCnt,
		TemporalLayer: ctrl.TemporalLayer,
		EncodeOrder:   m.encodeOrder,
		DisplayOrder:  displayOrder,
	}
	m.encodeOrder++
	m.cur = st
	return res, nil
}

// EndFrame commits the current picture to the history if it is a reference,
// evicting the oldest entry when the history is full
func (m *Manager) EndFrame() error {
	st := m.cur
	if st == nil {
		return ErrNoFrame
	}
	m.cur = nil

	if !st.isRef {
		return nil
	}
	if m.maxRefs == 0 {
		return m.pool.Release(*st.slot)
	}

	if len(m.history) >= m.maxRefs {
		oldest := m.history[len(m.history)-1]
		m.history = m.history[:len(m.history)-1]
		if err := m.pool.Release(oldest.slot); err != nil {
			return fmt.Errorf("failed to release evicted slot: %w", err)
		}
	}

	m.history = append(m.history, refEntry{})
	copy(m.history[1:], m.history)
	m.history[0] = refEntry{slot: *st.slot, desc: st.desc}
	for i := range m.history {
		m.history[i].desc.ResourceIndex = uint32(i)
	}
	return nil
}

// Abort drops the current picture after a failed submission
func (m *Manager) Abort() error {
	st := m.cur
	if st == nil {
		return ErrNoFrame
	}
	m.cur = nil
	if st.slot != nil {
		return m.pool.Release(*st.slot)
	}
	return nil
}

func (m *Manager) clear() {
	for _, e := range m.history {
		// history slots are always live leases of this pool
		_ = m.pool.Release(e.slot)
	}
	m.history = m.history[:0]
}

// Reset empties the history and releases every slot
func (m *Manager) Reset() {
	if m.cur != nil {
		_ = m.Abort()
	}
	m.clear()
}

// Close resets the manager and frees the backing pool
func (m *Manager) Close() error {
	m.Reset()
	return m.pool.Close()
}

// History returns a copy of the reference descriptors, most recent first
func (m *Manager) History() []h264.RefPicDescriptor {
	out := make([]h264.RefPicDescriptor, len(m.history))
	for i, e := range m.history {
		out[i] = e.desc
	}
	return out
}

// Len returns the number of pictures in the history
func (m *Manager) Len() int { return len(m.history) }

// MaxRefs returns the history capacity
func (m *Manager) MaxRefs() int { return m.maxRefs }

// PoolStats returns occupancy of the backing pool
func (m *Manager) PoolStats() PoolStats { return m.pool.Stats() }
