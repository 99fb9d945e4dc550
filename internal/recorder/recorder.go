package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder writes delivered access units to a raw .h264 file. A recording
// starts at the first IDR so the file is playable from its first byte.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	waitingIDR   bool
	frameCount   uint64
	skipped      uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan *types.H264Frame
	stopChan     chan struct{}
	wg           sync.WaitGroup

	metrics         *metrics.Metrics
	requestKeyFrame func()
}

// NewRecorder creates a recorder writing into basePath. requestKeyFrame, if
// set, is called when a recording starts so it does not wait a whole GOP.
func NewRecorder(basePath string, m *metrics.Metrics, requestKeyFrame func()) *Recorder {
	return &Recorder{
		basePath:        basePath,
		metrics:         m,
		requestKeyFrame: requestKeyFrame,
	}
}

// Start starts recording to a new file
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	filename := fmt.Sprintf("recording_%s.h264", time.Now().Format("20060102_150405.000"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.waitingIDR = true
	r.frameCount = 0
	r.skipped = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.frameChan = make(chan *types.H264Frame, 60) // 2 seconds at 30fps
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(1)
	}
	if r.requestKeyFrame != nil {
		r.requestKeyFrame()
	}
	logger.Info("Recorder", "Recording to %s", filename)
	return filename, nil
}

// Stop stops recording and returns the final status
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(0)
	}
	status := r.statusLocked()
	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return status, fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return status, fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
	}
	logger.Info("Recorder", "Stopped %s: %d frames, %d bytes", r.filename, r.frameCount, r.bytesWritten)
	return status, nil
}

// SendFrame queues a frame without blocking; it reports whether the frame was taken
func (r *Recorder) SendFrame(frame *types.H264Frame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		if r.metrics != nil {
			r.metrics.RecorderFramesDropped.Add(1)
		}
		return false
	}
}

// writeFrames drains frames until stop is closed, then writes what is left
func (r *Recorder) writeFrames(frames <-chan *types.H264Frame, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame *types.H264Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}
	if r.waitingIDR {
		if !frame.IsIDR {
			r.skipped++
			return
		}
		r.waitingIDR = false
	}

	n, err := r.file.Write(frame.Data)
	if err != nil {
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
	if r.metrics != nil {
		r.metrics.RecordingBytes.Store(r.bytesWritten)
		r.metrics.RecordingFrames.Store(r.frameCount)
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordingStatus {
	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return RecordingStatus{
		Recording:     r.recording,
		Filename:      r.filename,
		FrameCount:    r.frameCount,
		SkippedFrames: r.skipped,
		BytesWritten:  r.bytesWritten,
		DurationMs:    duration.Milliseconds(),
		StartTime:     r.startTime,
	}
}

// Close stops a running recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording     bool      `json:"recording"`
	Filename      string    `json:"filename"`
	FrameCount    uint64    `json:"frame_count"`
	SkippedFrames uint64    `json:"skipped_frames"`
	BytesWritten  uint64    `json:"bytes_written"`
	DurationMs    int64     `json:"duration_ms"`
	StartTime     time.Time `json:"start_time"`
}
