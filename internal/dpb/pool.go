// Package dpb manages reconstructed picture storage for the encoder: a pool
// of texture slots and the reference history built on top of it.
package dpb

import (
	"errors"
	"fmt"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
)

var (
	ErrPoolExhausted   = errors.New("dpb: pool exhausted")
	ErrStaleSlot       = errors.New("dpb: stale slot handle")
	ErrUnknownSlot     = errors.New("dpb: unknown slot")
	ErrNoFrame         = errors.New("dpb: no frame in progress")
	ErrFrameInProgress = errors.New("dpb: frame already in progress")
	ErrPoolClosed      = errors.New("dpb: pool closed")
)

// Allocator creates and destroys textures for the pool
type Allocator interface {
	CreateTexture(desc hw.TextureDesc) (hw.Texture, error)
	DestroyTexture(tex hw.Texture) error
}

// Slot is a leased reconstruction target. The generation makes handles from
// an earlier lease of the same slot detectable after release.
type Slot struct {
	index uint32
	gen   uint32
	Ref   hw.TextureRef
}

// Index returns the slot position within its pool
func (s Slot) Index() uint32 { return s.index }

// Generation returns the lease generation of the handle
func (s Slot) Generation() uint32 { return s.gen }

type entry struct {
	ref  hw.TextureRef
	gen  uint32
	busy bool
}

// PoolStats is a point-in-time view of pool occupancy
type PoolStats struct {
	Capacity  int  `json:"capacity"`
	Allocated int  `json:"allocated"`
	Busy      int  `json:"busy"`
	Growable  bool `json:"growable"`
}

// Pool hands out reconstruction targets.
//
// In texture-array mode every slot is a subresource of one array texture and
// the pool never grows. Hardware reads of one subresource while another is
// written are assumed hazard free; the submission layer owns any barriers.
// In array-of-textures mode each slot is a standalone texture and a new one
// is allocated whenever every existing slot is busy.
type Pool struct {
	alloc    Allocator
	desc     hw.TextureDesc
	capacity int
	growable bool
	entries  []entry
	busy     int
	closed   bool
}

// NewPool creates a pool of capacity slots of width x height
func NewPool(alloc Allocator, width, height, capacity uint32, arrayOfTextures bool) (*Pool, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("dpb: pool capacity must be positive")
	}

	p := &Pool{
		alloc:    alloc,
		desc:     hw.TextureDesc{Width: width, Height: height, ArraySize: 1},
		capacity: int(capacity),
		growable: arrayOfTextures,
		entries:  make([]entry, 0, capacity),
	}
	if arrayOfTextures {
		return p, nil
	}

	arrayDesc := p.desc
	arrayDesc.ArraySize = capacity
	tex, err := alloc.CreateTexture(arrayDesc)
	if err != nil {
		return nil, fmt.Errorf("failed to create texture array: %w", err)
	}
	for i := uint32(0); i < capacity; i++ {
		p.entries = append(p.entries, entry{ref: hw.TextureRef{Texture: tex, Subresource: i}})
	}
	return p, nil
}

// Acquire leases a free slot
func (p *Pool) Acquire() (Slot, error) {
	if p.closed {
		return Slot{}, ErrPoolClosed
	}
	for i := range p.entries {
		e := &p.entries[i]
		if !e.busy {
			return p.lease(i), nil
		}
	}

	if !p.growable {
		return Slot{}, fmt.Errorf("%w: %d of %d slots busy", ErrPoolExhausted, p.busy, len(p.entries))
	}

	tex, err := p.alloc.CreateTexture(p.desc)
	if err != nil {
		return Slot{}, fmt.Errorf("failed to grow pool: %w", err)
	}
	p.entries = append(p.entries, entry{ref: hw.TextureRef{Texture: tex}})
	return p.lease(len(p.entries) - 1), nil
}

func (p *Pool) lease(i int) Slot {
	e := &p.entries[i]
	e.busy = true
	e.gen++
	p.busy++
	return Slot{index: uint32(i), gen: e.gen, Ref: e.ref}
}

// Release returns a leased slot to the pool
func (p *Pool) Release(s Slot) error {
	e, err := p.lookup(s)
	if err != nil {
		return err
	}
	e.busy = false
	p.busy--
	return nil
}

// Check reports whether s is a live lease
func (p *Pool) Check(s Slot) error {
	_, err := p.lookup(s)
	return err
}

func (p *Pool) lookup(s Slot) (*entry, error) {
	if int(s.index) >= len(p.entries) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownSlot, s.index)
	}
	e := &p.entries[s.index]
	if !e.busy || e.gen != s.gen {
		return nil, fmt.Errorf("%w: slot %d generation %d (current %d, busy %v)",
			ErrStaleSlot, s.index, s.gen, e.gen, e.busy)
	}
	return e, nil
}

// Close hands every texture back to the allocator. Outstanding leases become
// stale. Jobs that reference the textures must have completed.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.growable {
		for _, e := range p.entries {
			errs = append(errs, p.alloc.DestroyTexture(e.ref.Texture))
		}
	} else if len(p.entries) > 0 {
		// every slot is a subresource of the same array
		errs = append(errs, p.alloc.DestroyTexture(p.entries[0].ref.Texture))
	}
	p.entries = nil
	p.busy = 0
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to destroy reference textures: %w", err)
	}
	return nil
}

// Stats returns current occupancy
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Capacity:  p.capacity,
		Allocated: len(p.entries),
		Busy:      p.busy,
		Growable:  p.growable,
	}
}
