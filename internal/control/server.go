// Package control serves the HTTP API used to watch and steer a running
// encoder: status, live settings, keyframe requests, recording and WebRTC
// signaling.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/encoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/webrtc"
)

const maxBodySize = 1 << 20

// Encoder is the part of the encoder the API drives
type Encoder interface {
	Status() encoder.Status
	Settings() encoder.Settings
	UpdateSettings(s encoder.Settings) error
	RequestKeyFrame()
}

// Recorder controls file recording
type Recorder interface {
	Start() (string, error)
	Stop() (recorder.RecordingStatus, error)
	GetStatus() recorder.RecordingStatus
}

// Publisher answers WebRTC offers
type Publisher interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	GetClientCount() int
	GetClientStats() map[string]webrtc.ClientStats
}

// Options configure the API server
type Options struct {
	StatusInterval time.Duration
	AllowOrigin    string // CORS origin; empty means "*"
}

// Server serves the control endpoints. rec and pub may be nil.
type Server struct {
	opts Options
	enc  Encoder
	rec  Recorder
	pub  Publisher
}

// NewServer returns a configured control server
func NewServer(opts Options, enc Encoder, rec Recorder, pub Publisher) *Server {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	return &Server{opts: opts, enc: enc, rec: rec, pub: pub}
}

// Handler exposes the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.cors(s.handleStatus))
	mux.HandleFunc("/api/status/stream", s.cors(s.handleStatusStream))
	mux.HandleFunc("/api/settings", s.cors(s.handleSettings))
	mux.HandleFunc("/api/keyframe", s.cors(s.handleKeyFrame))
	mux.HandleFunc("/api/recording/start", s.cors(s.handleRecordingStart))
	mux.HandleFunc("/api/recording/stop", s.cors(s.handleRecordingStop))
	mux.HandleFunc("/api/recording/status", s.cors(s.handleRecordingStatus))
	mux.HandleFunc("/offer", s.cors(s.handleOffer))
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{
		"encoder":   s.enc.Status(),
		"timestamp": float64(time.Now().Unix()),
	}
	if s.rec != nil {
		payload["recording"] = s.rec.GetStatus()
	}
	if s.pub != nil {
		payload["clients"] = s.pub.GetClientCount()
		payload["client_stats"] = s.pub.GetClientStats()
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statusPayload()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.enc.Settings())

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		next, err := s.enc.Settings().Merge(body)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.enc.UpdateSettings(next); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("Control", "Settings changed via API")
		writeJSON(w, next)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleKeyFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.enc.RequestKeyFrame()
	writeJSONWithStatus(w, map[string]any{"status": "requested"}, http.StatusAccepted)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rec == nil {
		writeError(w, "recording is not configured", http.StatusServiceUnavailable)
		return
	}

	filename, err := s.rec.Start()
	if err != nil {
		writeError(w, err.Error(), recordingErrorStatus(err))
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rec == nil {
		writeError(w, "recording is not configured", http.StatusServiceUnavailable)
		return
	}

	status, err := s.rec.Stop()
	if err != nil {
		writeError(w, err.Error(), recordingErrorStatus(err))
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       status.Filename,
		"stats":      status,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func recordingErrorStatus(err error) int {
	if errors.Is(err, recorder.ErrAlreadyRecording) || errors.Is(err, recorder.ErrNotRecording) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.rec.GetStatus())
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pub == nil {
		writeError(w, "webrtc is not configured", http.StatusServiceUnavailable)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.pub.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("Control", "WebRTC offer error: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, fmt.Sprintf("Failed to handle offer: %v", err), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.enc.Status()
	writeJSON(w, map[string]any{
		"status":     "ok",
		"session_id": st.SessionID,
		"frames":     st.FramesSubmitted,
	})
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
