package streamcapture

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/registry"
)

const (
	defaultSyntheticWidth  = 320
	defaultSyntheticHeight = 240
)

// SyntheticDriver generates a moving test pattern.
//
// URL form: synthetic://WIDTHxHEIGHT?frames=N&fps=F
//
// frames < 0 (default) never ends; fps = 0 (default) reads as fast as the
// caller pulls.
type SyntheticDriver struct {
	url    string
	width  int
	height int
	frames int
	fps    float64

	mu       sync.Mutex
	open     bool
	produced int
	nextAt   time.Time
}

// NewSyntheticDriver parses a synthetic:// URL.
func NewSyntheticDriver(rawURL string) (*SyntheticDriver, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &detection.ConfigError{Key: "stream.url", Message: err.Error()}
	}
	if u.Scheme != detection.ProtocolSynthetic {
		return nil, &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("scheme %q is not synthetic", u.Scheme)}
	}

	d := &SyntheticDriver{
		url:    rawURL,
		width:  defaultSyntheticWidth,
		height: defaultSyntheticHeight,
		frames: -1,
	}

	if u.Host != "" {
		w, h, ok := strings.Cut(strings.ToLower(u.Host), "x")
		if !ok {
			return nil, &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("size %q is not WIDTHxHEIGHT", u.Host)}
		}
		if d.width, err = strconv.Atoi(w); err != nil || d.width <= 0 {
			return nil, &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("invalid width %q", w)}
		}
		if d.height, err = strconv.Atoi(h); err != nil || d.height <= 0 {
			return nil, &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("invalid height %q", h)}
		}
	}

	q := u.Query()
	if v := q.Get("frames"); v != "" {
		if d.frames, err = strconv.Atoi(v); err != nil {
			return nil, &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("invalid frames %q", v)}
		}
	}
	if v := q.Get("fps"); v != "" {
		if d.fps, err = strconv.ParseFloat(v, 64); err != nil || d.fps < 0 {
			return nil, &detection.ConfigError{Key: "stream.url", Message: fmt.Sprintf("invalid fps %q", v)}
		}
	}
	return d, nil
}

// URL returns the URL the driver was built from.
func (d *SyntheticDriver) URL() string {
	return d.url
}

func (d *SyntheticDriver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.produced = 0
	d.nextAt = time.Time{}
	return nil
}

func (d *SyntheticDriver) Read(ctx context.Context) (Image, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return Image{}, detection.ErrNotConnected
	}
	if d.frames >= 0 && d.produced >= d.frames {
		d.mu.Unlock()
		return Image{}, io.EOF
	}

	var wait time.Duration
	if d.fps > 0 {
		now := time.Now()
		if d.nextAt.IsZero() {
			d.nextAt = now
		}
		wait = d.nextAt.Sub(now)
		d.nextAt = d.nextAt.Add(time.Duration(float64(time.Second) / d.fps))
	}
	n := d.produced
	d.produced++
	d.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return Image{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	return Image{
		Width:     d.width,
		Height:    d.height,
		Data:      pattern(d.width, d.height, n),
		Timestamp: time.Now(),
	}, nil
}

func (d *SyntheticDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *SyntheticDriver) Info() map[string]any {
	return map[string]any{
		"driver":        "synthetic",
		"target_frames": d.frames,
		"pattern_fps":   d.fps,
	}
}

// pattern draws a horizontal gradient with a white vertical bar that moves
// one column per frame.
func pattern(width, height, n int) []byte {
	data := make([]byte, width*height*3)
	bar := n % width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			if x == bar {
				data[i], data[i+1], data[i+2] = 255, 255, 255
				continue
			}
			data[i] = byte(x * 255 / width)
			data[i+1] = byte(y * 255 / height)
			data[i+2] = byte(n)
		}
	}
	return data
}

// RegisterSynthetic binds the "synthetic" protocol in reg.
func RegisterSynthetic(reg *registry.Registry, opts ...Option) {
	reg.RegisterSource(detection.ProtocolSynthetic, func(desc detection.StreamDescriptor) (detection.StreamSource, error) {
		drv, err := NewSyntheticDriver(desc.URL)
		if err != nil {
			return nil, err
		}
		if desc.Resolution.IsZero() {
			desc.Resolution = detection.Resolution{Width: drv.width, Height: drv.height}
		}
		if desc.FPS == 0 {
			desc.FPS = drv.fps
		}
		return NewSource(desc, drv, opts...), nil
	})
}
