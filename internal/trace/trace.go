// Package trace records accepted encode jobs as a stream of length-delimited
// protobuf messages so a session can be inspected or replayed offline.
package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/h264"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
)

// Field numbers of the job record message
const (
	fieldSessionID   protowire.Number = 1
	fieldFence       protowire.Number = 2
	fieldFrameType   protowire.Number = 3
	fieldFrameNum    protowire.Number = 4
	fieldPicOrderCnt protowire.Number = 5
	fieldIdrPicID    protowire.Number = 6
	fieldPPSID       protowire.Number = 7
	fieldList0       protowire.Number = 8
	fieldSequence    protowire.Number = 9
	fieldPicture     protowire.Number = 10
	fieldRCMode      protowire.Number = 11
	fieldRCFlags     protowire.Number = 12
	fieldLayoutMode  protowire.Number = 13
	fieldLayoutValue protowire.Number = 14
	fieldWidth       protowire.Number = 15
	fieldHeight      protowire.Number = 16
)

// maxRecordSize bounds a single message when reading untrusted files
const maxRecordSize = 1 << 20

// Record is the traced view of one job
type Record struct {
	SessionID   string
	Fence       uint64
	FrameType   h264.FrameType
	FrameNum    uint32
	PicOrderCnt uint32
	IdrPicID    uint32
	PPSID       uint32
	List0       []uint32
	Sequence    hw.SequenceFlags
	Picture     hw.PictureFlags
	RCMode      hw.RateControlMode
	RCFlags     hw.RateControlFlags
	LayoutMode  hw.SubregionMode
	LayoutValue uint32
	Width       uint32
	Height      uint32
}

// FromJob extracts the record for job submitted at fence
func FromJob(job *hw.Job, fence uint64) Record {
	r := Record{
		SessionID:   job.SessionID,
		Fence:       fence,
		FrameType:   job.Pic.FrameType,
		FrameNum:    job.Pic.FrameNum,
		PicOrderCnt: job.Pic.PicOrderCnt,
		IdrPicID:    job.Pic.IdrPicID,
		PPSID:       job.Pic.PPSID,
		Sequence:    job.Sequence,
		Picture:     job.Flags,
		RCFlags:     job.RCFlags,
		LayoutMode:  job.Layout.Mode,
		LayoutValue: job.Layout.Value,
		Width:       job.Width,
		Height:      job.Height,
	}
	if job.RateControl != nil {
		r.RCMode = job.RateControl.Mode()
	}
	if len(job.Pic.List0) > 0 {
		r.List0 = append([]uint32(nil), job.Pic.List0...)
	}
	return r
}

func (r Record) String() string {
	return fmt.Sprintf("fence=%d %s frame_num=%d poc=%d idr_id=%d pps=%d l0=%v seq=%s",
		r.Fence, r.FrameType, r.FrameNum, r.PicOrderCnt, r.IdrPicID, r.PPSID, r.List0, r.Sequence)
}

// Marshal encodes the record in protobuf wire format. Zero fields are omitted.
func (r Record) Marshal() []byte {
	var b []byte
	if r.SessionID != "" {
		b = protowire.AppendTag(b, fieldSessionID, protowire.BytesType)
		b = protowire.AppendString(b, r.SessionID)
	}
	b = appendUint(b, fieldFence, r.Fence)
	b = appendUint(b, fieldFrameType, uint64(r.FrameType))
	b = appendUint(b, fieldFrameNum, uint64(r.FrameNum))
	b = appendUint(b, fieldPicOrderCnt, uint64(r.PicOrderCnt))
	b = appendUint(b, fieldIdrPicID, uint64(r.IdrPicID))
	b = appendUint(b, fieldPPSID, uint64(r.PPSID))
	if len(r.List0) > 0 {
		var packed []byte
		for _, v := range r.List0 {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, fieldList0, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendUint(b, fieldSequence, uint64(r.Sequence))
	b = appendUint(b, fieldPicture, uint64(r.Picture))
	b = appendUint(b, fieldRCMode, uint64(r.RCMode))
	b = appendUint(b, fieldRCFlags, uint64(r.RCFlags))
	b = appendUint(b, fieldLayoutMode, uint64(r.LayoutMode))
	b = appendUint(b, fieldLayoutValue, uint64(r.LayoutValue))
	b = appendUint(b, fieldWidth, uint64(r.Width))
	b = appendUint(b, fieldHeight, uint64(r.Height))
	return b
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes a record, skipping unknown fields
func Unmarshal(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldSessionID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.SessionID = s
			b = b[n:]

		case num == fieldList0 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return r, protowire.ParseError(m)
				}
				r.List0 = append(r.List0, uint32(v))
				packed = packed[m:]
			}
			b = b[n:]

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.setVarint(num, v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

func (r *Record) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldFence:
		r.Fence = v
	case fieldFrameType:
		r.FrameType = h264.FrameType(v)
	case fieldFrameNum:
		r.FrameNum = uint32(v)
	case fieldPicOrderCnt:
		r.PicOrderCnt = uint32(v)
	case fieldIdrPicID:
		r.IdrPicID = uint32(v)
	case fieldPPSID:
		r.PPSID = uint32(v)
	case fieldSequence:
		r.Sequence = hw.SequenceFlags(v)
	case fieldPicture:
		r.Picture = hw.PictureFlags(v)
	case fieldRCMode:
		r.RCMode = hw.RateControlMode(v)
	case fieldRCFlags:
		r.RCFlags = hw.RateControlFlags(v)
	case fieldLayoutMode:
		r.LayoutMode = hw.SubregionMode(v)
	case fieldLayoutValue:
		r.LayoutValue = uint32(v)
	case fieldWidth:
		r.Width = uint32(v)
	case fieldHeight:
		r.Height = uint32(v)
	}
}

// Writer appends length-delimited records to an io.Writer.
// Observe matches the encoder job observer signature.
type Writer struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	records uint64
	err     error
}

// NewWriter wraps w; if w is an io.Closer, Close closes it
func NewWriter(w io.Writer) *Writer {
	tw := &Writer{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

// Observe records job. After the first write error further jobs are dropped.
func (w *Writer) Observe(job *hw.Job, fence uint64) {
	w.mu.Lock()
	failed := w.err != nil
	w.mu.Unlock()
	if failed {
		return
	}
	if err := w.Write(FromJob(job, fence)); err != nil {
		logger.Warn("Trace", "Disabling job trace: %v", err)
	}
}

// Write appends one record
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	msg := r.Marshal()
	buf := protowire.AppendVarint(make([]byte, 0, len(msg)+binary.MaxVarintLen32), uint64(len(msg)))
	buf = append(buf, msg...)
	if _, err := w.w.Write(buf); err != nil {
		w.err = fmt.Errorf("trace write: %w", err)
		return w.err
	}
	w.records++
	return nil
}

// Records returns the number of records written
func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Flush writes buffered records to the underlying writer
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

// Close flushes and closes the underlying writer
func (w *Writer) Close() error {
	err := w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads records written by Writer
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a Reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at a clean end of stream
func (r *Reader) Next() (Record, error) {
	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("trace read length: %w", err)
	}
	if size > maxRecordSize {
		return Record{}, fmt.Errorf("trace record of %d bytes exceeds %d", size, maxRecordSize)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r.r, msg); err != nil {
		return Record{}, fmt.Errorf("trace read record: %w", io.ErrUnexpectedEOF)
	}
	return Unmarshal(msg)
}

// ReadAll reads records until the end of the stream
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
