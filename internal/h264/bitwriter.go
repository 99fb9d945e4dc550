package h264

// bitWriter accumulates an RBSP MSB-first
type bitWriter struct {
	buf  []byte
	used uint // bits used in the last byte, 0 = byte aligned
}

func (w *bitWriter) bits(value uint32, n uint) {
	for n > 0 {
		if w.used == 0 {
			w.buf = append(w.buf, 0)
		}
		free := 8 - w.used
		take := min(free, n)
		chunk := byte((value >> (n - take)) & (1<<take - 1))
		w.buf[len(w.buf)-1] |= chunk << (free - take)
		w.used = (w.used + take) % 8
		n -= take
	}
}

func (w *bitWriter) flag(v bool) {
	if v {
		w.bits(1, 1)
	} else {
		w.bits(0, 1)
	}
}

// ue writes an unsigned Exp-Golomb code
func (w *bitWriter) ue(v uint32) {
	code := uint64(v) + 1
	n := uint(0)
	for c := code; c > 1; c >>= 1 {
		n++
	}
	w.bits(0, n)
	// code fits in n+1 <= 33 bits; split to stay within uint32
	if n+1 > 32 {
		w.bits(uint32(code>>32), n+1-32)
		w.bits(uint32(code), 32)
		return
	}
	w.bits(uint32(code), n+1)
}

// se writes a signed Exp-Golomb code
func (w *bitWriter) se(v int32) {
	if v <= 0 {
		w.ue(uint32(-v) * 2)
	} else {
		w.ue(uint32(v)*2 - 1)
	}
}

// trailing writes rbsp_stop_one_bit and alignment zeros
func (w *bitWriter) trailing() {
	w.bits(1, 1)
	if w.used != 0 {
		w.bits(0, 8-w.used)
	}
}

// nalUnit wraps an RBSP in an Annex-B NAL unit with emulation prevention
func nalUnit(refIdc, nalType uint8, rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+5)
	out = append(out, 0x00, 0x00, 0x00, 0x01, refIdc<<5|nalType&0x1f)

	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
