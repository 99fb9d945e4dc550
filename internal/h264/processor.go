package h264

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/pkg/types"
)

// SplitNALUnits splits an Annex-B byte stream into NAL units.
// Returned units alias data; each keeps its start code.
func SplitNALUnits(data []byte) []types.NALUnit {
	var units []types.NALUnit
	start, scLen := findStartCode(data, 0)
	for start >= 0 {
		hdr := start + scLen
		if hdr >= len(data) {
			break
		}
		next, nextLen := findStartCode(data, hdr+1)
		end := next
		if end < 0 {
			end = len(data)
		}
		units = append(units, types.NALUnit{
			Type: data[hdr] & 0x1F,
			Data: data[start:end],
		})
		start, scLen = next, nextLen
	}
	return units
}

// findStartCode returns the offset and length of the next 3 or 4 byte start code
func findStartCode(data []byte, from int) (int, int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, 3
		}
		if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}

// Processor inspects encoded access units: it flags IDRs and keeps the most
// recent SPS and PPS set so late joiners can be primed
type Processor struct {
	sps     []byte
	pps     map[uint32][]byte
	ppsKeys []uint32
}

// NewProcessor creates a new access unit processor
func NewProcessor() *Processor {
	return &Processor{pps: make(map[uint32][]byte)}
}

// Process scans frame.Data, sets frame.IsIDR and refreshes the header cache
func (p *Processor) Process(frame *types.H264Frame) {
	for _, nal := range SplitNALUnits(frame.Data) {
		switch nal.Type {
		case types.NALTypeSPS:
			p.sps = append(p.sps[:0], nal.Data...)
			// A new SPS invalidates every PPS that referenced the old one
			clear(p.pps)
			p.ppsKeys = p.ppsKeys[:0]
		case types.NALTypePPS:
			id := ppsID(nal.Data)
			if _, ok := p.pps[id]; !ok {
				p.ppsKeys = append(p.ppsKeys, id)
			}
			p.pps[id] = append([]byte(nil), nal.Data...)
		case types.NALTypeIDR:
			frame.IsIDR = true
		}
	}
}

// HasHeaders returns true once an SPS and at least one PPS were seen
func (p *Processor) HasHeaders() bool {
	return len(p.sps) > 0 && len(p.pps) > 0
}

// Headers returns the cached SPS followed by every cached PPS
func (p *Processor) Headers() []byte {
	if !p.HasHeaders() {
		return nil
	}
	out := append([]byte(nil), p.sps...)
	for _, id := range p.ppsKeys {
		out = append(out, p.pps[id]...)
	}
	return out
}

// ppsID decodes pic_parameter_set_id, the first ue(v) after the NAL header
func ppsID(nal []byte) uint32 {
	_, scLen := findStartCode(nal, 0)
	if scLen == 0 || len(nal) <= scLen+1 {
		return 0
	}
	payload := nal[scLen+1:]
	zeros := 0
	bit := 0
	read := func() uint32 {
		if bit/8 >= len(payload) {
			return 1
		}
		b := uint32(payload[bit/8]>>(7-bit%8)) & 1
		bit++
		return b
	}
	for read() == 0 && zeros < 32 {
		zeros++
	}
	var v uint32
	for i := 0; i < zeros; i++ {
		v = v<<1 | read()
	}
	return (1<<zeros - 1) + v
}

// ExtractNALType returns the type of the first NAL unit in data
func ExtractNALType(data []byte) uint8 {
	start, scLen := findStartCode(data, 0)
	if start != 0 || scLen == 0 || len(data) <= scLen {
		return 0
	}
	return data[scLen] & 0x1F
}

// IsIDRFrame reports whether data contains an IDR slice
func IsIDRFrame(data []byte) bool {
	for _, nal := range SplitNALUnits(data) {
		if nal.Type == types.NALTypeIDR {
			return true
		}
	}
	return false
}
