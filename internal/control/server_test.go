package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/encoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/webrtc"
)

type fakeEncoder struct {
	mu        sync.Mutex
	settings  encoder.Settings
	keyframes int
}

func (f *fakeEncoder) Status() encoder.Status {
	return encoder.Status{SessionID: "sess-1", FramesSubmitted: 12, Width: f.Settings().Width}
}

func (f *fakeEncoder) Settings() encoder.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeEncoder) UpdateSettings(s encoder.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.settings = s
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoder) RequestKeyFrame() {
	f.mu.Lock()
	f.keyframes++
	f.mu.Unlock()
}

type fakePublisher struct {
	answer []byte
	err    error
}

func (p *fakePublisher) HandleOffer(offer []byte) ([]byte, error) { return p.answer, p.err }
func (p *fakePublisher) GetClientCount() int                     { return 2 }
func (p *fakePublisher) GetClientStats() map[string]webrtc.ClientStats {
	return map[string]webrtc.ClientStats{"a": {FramesSent: 5}}
}

func newTestServer(t *testing.T, pub Publisher) (*Server, *fakeEncoder, *recorder.Recorder) {
	t.Helper()
	enc := &fakeEncoder{settings: encoder.DefaultSettings()}
	rec := recorder.NewRecorder(t.TempDir(), nil, enc.RequestKeyFrame)
	t.Cleanup(func() { _ = rec.Close() })
	return NewServer(Options{StatusInterval: 10 * time.Millisecond}, enc, rec, pub), enc, rec
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t, &fakePublisher{})
	rr := do(t, s.Handler(), http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	body := decode(t, rr)
	enc, ok := body["encoder"].(map[string]any)
	if !ok || enc["session_id"] != "sess-1" {
		t.Fatalf("encoder status %v", body["encoder"])
	}
	if body["clients"] != float64(2) {
		t.Fatalf("clients %v", body["clients"])
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestSettingsUpdate(t *testing.T) {
	s, enc, _ := newTestServer(t, nil)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/settings", `{"bitrate": 6000, "gop_size": 30}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	got := enc.Settings()
	if got.Bitrate != 6000 || got.GOPSize != 30 || got.Width != 1280 {
		t.Fatalf("settings %+v", got)
	}

	rr = do(t, h, http.MethodPost, "/api/settings", `{"width": 641}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("odd width: status %d", rr.Code)
	}
	if enc.Settings().Width != 1280 {
		t.Fatalf("rejected update was applied")
	}

	rr = do(t, h, http.MethodGet, "/api/settings", "")
	if decode(t, rr)["bitrate"] != float64(6000) {
		t.Fatalf("GET settings %s", rr.Body.String())
	}

	if rr := do(t, h, http.MethodDelete, "/api/settings", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE: status %d", rr.Code)
	}
}

func TestKeyFrame(t *testing.T) {
	s, enc, _ := newTestServer(t, nil)
	h := s.Handler()
	if rr := do(t, h, http.MethodGet, "/api/keyframe", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET keyframe: status %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/keyframe", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("POST keyframe: status %d", rr.Code)
	}
	if enc.keyframes != 1 {
		t.Fatalf("keyframes = %d", enc.keyframes)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	s, enc, rec := newTestServer(t, nil)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/recording/start", "")
	if rr.Code != http.StatusOK || decode(t, rr)["status"] != "recording" {
		t.Fatalf("start: %d %s", rr.Code, rr.Body.String())
	}
	if !rec.IsRecording() || enc.keyframes != 1 {
		t.Fatalf("recording=%v keyframes=%d", rec.IsRecording(), enc.keyframes)
	}
	if rr := do(t, h, http.MethodPost, "/api/recording/start", ""); rr.Code != http.StatusConflict {
		t.Fatalf("second start: status %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/api/recording/status", "")
	if decode(t, rr)["recording"] != true {
		t.Fatalf("status %s", rr.Body.String())
	}

	if rr := do(t, h, http.MethodPost, "/api/recording/stop", ""); rr.Code != http.StatusOK {
		t.Fatalf("stop: status %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/recording/stop", ""); rr.Code != http.StatusConflict {
		t.Fatalf("second stop: status %d", rr.Code)
	}
}

func TestOffer(t *testing.T) {
	tests := []struct {
		name string
		pub  Publisher
		want int
	}{
		{"answer", &fakePublisher{answer: []byte(`{"type":"answer","sdp":"v=0"}`)}, http.StatusOK},
		{"full", &fakePublisher{err: webrtc.ErrTooManyClients}, http.StatusServiceUnavailable},
		{"failure", &fakePublisher{err: errors.New("bad sdp")}, http.StatusInternalServerError},
		{"not configured", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer(t, tt.pub)
			rr := do(t, s.Handler(), http.MethodPost, "/offer", `{"type":"offer","sdp":"v=0"}`)
			if rr.Code != tt.want {
				t.Fatalf("status %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestPreflight(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := do(t, s.Handler(), http.MethodOptions, "/offer", "")
	if rr.Code != http.StatusOK || rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight %d %v", rr.Code, rr.Header())
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	body := decode(t, do(t, s.Handler(), http.MethodGet, "/health", ""))
	if body["status"] != "ok" || body["session_id"] != "sess-1" {
		t.Fatalf("health %v", body)
	}
}

func TestStatusStream(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	events := 0
	for events < 2 && sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
			t.Fatalf("event %q: %v", line, err)
		}
		if _, ok := payload["encoder"]; !ok {
			t.Fatalf("event without encoder status: %v", payload)
		}
		events++
	}
	if events != 2 {
		t.Fatalf("received %d events: %v", events, sc.Err())
	}
}
