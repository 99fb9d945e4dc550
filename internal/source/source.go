// Package source produces synthetic NV12 pictures for the encoder: a colour
// bar test card scaled to the configured resolution with a moving marker so
// consecutive frames differ.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/encoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/pkg/types"
)

// Card sizes. The card is rendered once at this size and scaled.
const (
	cardWidth  = 320
	cardHeight = 180
	markerSize = 16
	markerLuma = 235
)

var barColors = []color.RGBA{
	{255, 255, 255, 255}, // white
	{255, 255, 0, 255},   // yellow
	{0, 255, 255, 255},   // cyan
	{0, 255, 0, 255},     // green
	{255, 0, 255, 255},   // magenta
	{255, 0, 0, 255},     // red
	{0, 0, 255, 255},     // blue
	{0, 0, 0, 255},       // black
}

// Config selects the test pattern
type Config struct {
	Pattern string `yaml:"pattern"` // "bars" or "gray"
	Frames  uint64 `yaml:"frames"`  // stop after this many frames; 0 = run until cancelled
}

// DefaultConfig returns colour bars with no frame limit
func DefaultConfig() Config {
	return Config{Pattern: "bars"}
}

// Validate checks the pattern name
func (c Config) Validate() error {
	switch c.Pattern {
	case "bars", "gray":
		return nil
	default:
		return fmt.Errorf("unknown test pattern: %s", c.Pattern)
	}
}

// Encoder is the consumer of generated pictures
type Encoder interface {
	Settings() encoder.Settings
	Encode(ctx context.Context, frame *types.RawFrame) error
}

// Generator renders test pictures at the encoder's current resolution
type Generator struct {
	cfg     Config
	metrics *metrics.Metrics

	mu     sync.Mutex
	card   []byte // NV12 card for cardW x cardH
	cardW  int
	cardH  int

	frames atomic.Uint64
}

// New creates a generator
func New(cfg Config, m *metrics.Metrics) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}
	return &Generator{cfg: cfg, metrics: m}, nil
}

// Frame renders picture n at width x height. Both must be even.
func (g *Generator) Frame(n uint64, width, height int) (*types.RawFrame, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}

	g.mu.Lock()
	if g.card == nil || g.cardW != width || g.cardH != height {
		g.card = toNV12(g.render(width, height))
		g.cardW, g.cardH = width, height
		logger.Debug("Source", "Rendered %s card at %dx%d", g.cfg.Pattern, width, height)
	}
	data := make([]byte, len(g.card))
	copy(data, g.card)
	g.mu.Unlock()

	drawMarker(data, width, height, n)
	return &types.RawFrame{Data: data, Width: width, Height: height}, nil
}

// render draws the pattern at card size and scales it to the target
func (g *Generator) render(width, height int) *image.RGBA {
	card := image.NewRGBA(image.Rect(0, 0, cardWidth, cardHeight))
	switch g.cfg.Pattern {
	case "gray":
		draw.Draw(card, card.Bounds(), &image.Uniform{color.RGBA{128, 128, 128, 255}}, image.Point{}, draw.Src)
	default:
		barWidth := cardWidth / len(barColors)
		for i, c := range barColors {
			rect := image.Rect(i*barWidth, 0, (i+1)*barWidth, cardHeight*3/4)
			draw.Draw(card, rect, &image.Uniform{c}, image.Point{}, draw.Src)
		}
		// luma ramp along the bottom quarter
		for x := 0; x < cardWidth; x++ {
			v := uint8(x * 255 / (cardWidth - 1))
			rect := image.Rect(x, cardHeight*3/4, x+1, cardHeight)
			draw.Draw(card, rect, &image.Uniform{color.RGBA{v, v, v, 255}}, image.Point{}, draw.Src)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), card, card.Bounds(), draw.Src, nil)
	return dst
}

// toNV12 converts an RGBA picture to NV12, sampling chroma at the top-left
// pixel of each 2x2 block
func toNV12(img *image.RGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := make([]byte, w*h*3/2)
	uv := out[w*h:]
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			yy, cb, cr := color.RGBToYCbCr(r, g, b)
			out[y*w+x] = yy
			if y%2 == 0 && x%2 == 0 {
				i := (y/2)*w + x
				uv[i] = cb
				uv[i+1] = cr
			}
		}
	}
	return out
}

// drawMarker paints a luma square that walks across the picture
func drawMarker(data []byte, width, height int, n uint64) {
	size := markerSize
	if size > width || size > height {
		return
	}
	span := uint64(width - size)
	x0 := 0
	if span > 0 {
		x0 = int(n*4%span) &^ 1
	}
	y0 := (height - size) / 2 &^ 1
	for y := y0; y < y0+size; y++ {
		row := data[y*width:]
		for x := x0; x < x0+size; x++ {
			row[x] = markerLuma
		}
	}
}

// Run feeds enc at its configured frame rate until ctx is cancelled, the
// frame limit is reached or the encoder is closed. Ticks missed while an
// Encode call blocks are counted as dropped frames.
func (g *Generator) Run(ctx context.Context, enc Encoder) error {
	settings := enc.Settings()
	interval := frameInterval(settings)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Source", "Generating %s at %dx%d, %v per frame",
		g.cfg.Pattern, settings.Width, settings.Height, interval)

	start := time.Now()
	last := start
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if missed := int64(now.Sub(last)/interval) - 1; missed > 0 {
				g.metrics.FramesDropped.Add(uint64(missed))
			}
			last = now

			settings = enc.Settings()
			if next := frameInterval(settings); next != interval {
				interval = next
				ticker.Reset(interval)
			}

			n := g.frames.Load()
			frame, err := g.Frame(n, int(settings.Width), int(settings.Height))
			if err != nil {
				return err
			}
			frame.Timestamp = now
			frame.Duration = interval
			g.metrics.FramesCaptured.Add(1)

			if err := enc.Encode(ctx, frame); err != nil {
				if errors.Is(err, encoder.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				logger.Warn("Source", "Encode frame %d: %v", n, err)
			}
			n = g.frames.Add(1)

			if g.cfg.Frames > 0 && n >= g.cfg.Frames {
				logger.Info("Source", "Frame limit reached after %v", time.Since(start).Round(time.Millisecond))
				return nil
			}
		}
	}
}

// Frames returns the number of pictures handed to the encoder
func (g *Generator) Frames() uint64 {
	return g.frames.Load()
}

func frameInterval(s encoder.Settings) time.Duration {
	if s.FpsN == 0 || s.FpsD == 0 {
		return time.Second / 30
	}
	d := time.Duration(uint64(time.Second) * uint64(s.FpsD) / uint64(s.FpsN))
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
