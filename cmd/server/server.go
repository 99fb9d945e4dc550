package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/control"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/encoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw/sim"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/trace"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/pkg/types"
)

// Server wires the source, encoder and outputs together
type Server struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	sourceDone chan struct{}

	metrics    *metrics.Metrics
	device     *sim.Device
	encoder    *encoder.Encoder
	source     *source.Generator
	webrtc     *webrtc.Server
	recorder   *recorder.Recorder
	trace      *trace.Writer
	httpServer *http.Server

	// Channels for goroutine communication
	webrtcChan   chan *types.H264Frame
	recorderChan chan *types.H264Frame
}

// NewServer creates every component from cfg
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	dev, err := sim.New(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	enc, err := encoder.New(dev, cfg.Encoder, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	gen, err := source.New(cfg.Source, m)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		sourceDone:   make(chan struct{}),
		metrics:      m,
		device:       dev,
		encoder:      enc,
		source:       gen,
		webrtc:       webrtc.NewServer(cfg.WebRTC.STUNServers, cfg.WebRTC.MaxClients, m, enc.RequestKeyFrame),
		recorder:     recorder.NewRecorder(cfg.Output.RecordPath, m, enc.RequestKeyFrame),
		webrtcChan:   make(chan *types.H264Frame, 30),
		recorderChan: make(chan *types.H264Frame, 60),
	}

	if cfg.Output.TracePath != "" {
		f, err := os.Create(cfg.Output.TracePath)
		if err != nil {
			cancel()
			_ = enc.Close()
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		srv.trace = trace.NewWriter(f)
		enc.SetJobObserver(srv.trace.Observe)
	}

	enc.AddSink(srv.fanOut)

	api := control.NewServer(control.Options{StatusInterval: cfg.HTTP.StatusInterval}, enc, srv.recorder, srv.webrtc)
	srv.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting encoder server...")
	logger.Info("Main", "  Device: %s", s.cfg.Device.Name)
	logger.Info("Main", "  Encoder: %dx%d@%d/%d %s gop=%d",
		s.cfg.Encoder.Width, s.cfg.Encoder.Height, s.cfg.Encoder.FpsN, s.cfg.Encoder.FpsD,
		s.cfg.Encoder.Profile, s.cfg.Encoder.GOPSize)
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.HTTP.MetricsAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.Output.RecordPath)
	if s.trace != nil {
		logger.Info("Main", "  Job trace: %s", s.cfg.Output.TracePath)
	}

	if s.cfg.HTTP.MetricsAddr != "" {
		go func() {
			if err := s.metrics.StartServer(s.ctx, s.cfg.HTTP.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(2)
	go s.distributeWebRTC()
	go s.distributeRecorder()

	go func() {
		defer close(s.sourceDone)
		if err := s.source.Run(s.ctx, s.encoder); err != nil {
			logger.Error("Source", "Stopped: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// Done is closed when the source stops producing frames
func (s *Server) Done() <-chan struct{} {
	return s.sourceDone
}

// fanOut is the encoder sink; it never blocks the output path
func (s *Server) fanOut(frame *types.H264Frame) {
	select {
	case s.webrtcChan <- frame:
	default:
		s.metrics.WebRTCFramesDropped.Add(1)
	}

	select {
	case s.recorderChan <- frame:
	default:
		s.metrics.RecorderFramesDropped.Add(1)
	}
}

// distributeWebRTC distributes frames to WebRTC clients
func (s *Server) distributeWebRTC() {
	defer s.wg.Done()
	for frame := range s.webrtcChan {
		s.webrtc.SendFrame(frame)
	}
}

// distributeRecorder distributes frames to the recorder
func (s *Server) distributeRecorder() {
	defer s.wg.Done()
	for frame := range s.recorderChan {
		s.recorder.SendFrame(frame)
	}
}

// Shutdown stops the source, drains the encoder and closes every output
func (s *Server) Shutdown() error {
	s.cancel()
	<-s.sourceDone

	var errs []error
	if err := s.encoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("encoder: %w", err))
	}

	// the encoder has delivered its last frame; let the distributors drain
	close(s.webrtcChan)
	close(s.recorderChan)
	s.wg.Wait()

	if err := s.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: %w", err))
	}
	if err := s.webrtc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("webrtc: %w", err))
	}
	if s.trace != nil {
		logger.Info("Main", "Traced %d jobs", s.trace.Records())
		if err := s.trace.Close(); err != nil {
			errs = append(errs, fmt.Errorf("trace: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	st := s.encoder.Status()
	logger.Info("Main", "Encoded %d frames in %d sessions (%d IDR, %d bytes)",
		st.FramesDelivered, st.Sessions, s.metrics.IDRFrames.Load(), s.metrics.BytesEncoded.Load())
	return errors.Join(errs...)
}
