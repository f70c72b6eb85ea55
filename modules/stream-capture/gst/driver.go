package gststream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-vision/modules/detection"
	streamcapture "github.com/e7canasta/orion-vision/modules/stream-capture"
	"github.com/e7canasta/orion-vision/modules/stream-capture/internal/gstpipe"
	"github.com/e7canasta/orion-vision/modules/stream-capture/internal/reconnect"
)

const defaultReadWait = time.Second

// Driver decodes one stream with a GStreamer pipeline.
type Driver struct {
	protocol string
	uri      string
	loop     bool
	pipe     gstpipe.Config
	opts     options
	logger   *slog.Logger

	mu         sync.Mutex
	sess       *session
	probe      *rtmpProbe
	counters   gstpipe.Counters
	reconnects atomic.Uint32

	cfgMu sync.Mutex
}

var _ streamcapture.Driver = (*Driver)(nil)

// session is the state of one Open..Close cycle.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	elements *gstpipe.Elements

	frames chan gstpipe.Sample

	ready     chan struct{}
	readyOnce sync.Once

	eos chan struct{}

	failed   chan struct{}
	failOnce sync.Once
	err      error
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}

func (s *session) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *session) pipeline() *gstpipe.Elements {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elements
}

// NewDriver builds a driver for desc. File paths are resolved and checked
// here so that a missing file fails at construction.
func NewDriver(desc detection.StreamDescriptor, opts ...Option) (*Driver, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	protocol := desc.Protocol
	uri, err := resolveURI(protocol, desc)
	if err != nil {
		return nil, err
	}

	live := protocol != detection.ProtocolFile
	return &Driver{
		protocol: protocol,
		uri:      uri,
		loop:     !live && desc.BoolParam("loop"),
		pipe: gstpipe.Config{
			URI:          uri,
			RTSP:         protocol == detection.ProtocolRTSP,
			Width:        desc.Resolution.Width,
			Height:       desc.Resolution.Height,
			FPS:          desc.FPS,
			Acceleration: o.acceleration,
			Live:         live,
		},
		opts:   o,
		logger: o.logger.With("url", redact(uri)),
	}, nil
}

// Open starts the pipeline and waits until it plays or ctx ends.
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess != nil {
		return nil
	}

	if d.protocol == detection.ProtocolRTMP && d.opts.probeRTMP {
		probe, err := probeRTMP(ctx, d.uri)
		if err != nil {
			return err
		}
		d.probe = probe
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		ctx:    sctx,
		cancel: cancel,
		frames: make(chan gstpipe.Sample, d.opts.bufferSize),
		ready:  make(chan struct{}),
		eos:    make(chan struct{}),
		failed: make(chan struct{}),
	}

	if err := d.start(sess); err != nil {
		cancel()
		return err
	}

	sess.wg.Add(1)
	go d.run(sess)

	select {
	case <-sess.ready:
		d.sess = sess
		d.logger.Info("stream-capture: pipeline playing", "protocol", d.protocol)
		return nil
	case <-sess.failed:
		d.stop(sess)
		return sess.err
	case <-ctx.Done():
		d.stop(sess)
		return ctx.Err()
	}
}

// start builds a fresh pipeline for sess and sets it PLAYING.
func (d *Driver) start(sess *session) error {
	d.cfgMu.Lock()
	cfg := d.pipe
	d.cfgMu.Unlock()

	elements, err := gstpipe.Build(cfg)
	if err != nil {
		return err
	}

	handler := &gstpipe.SampleHandler{
		Out:      sess.frames,
		Live:     cfg.Live,
		Done:     sess.ctx.Done(),
		Counters: &d.counters,
	}
	handler.Attach(elements.AppSink)

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		_ = gstpipe.Destroy(elements)
		return err
	}

	sess.mu.Lock()
	sess.elements = elements
	sess.mu.Unlock()
	return nil
}

// run watches the bus, loops files and reconnects live streams.
func (d *Driver) run(sess *session) {
	defer sess.wg.Done()

	var state reconnect.State

	for {
		elements := sess.pipeline()
		err := gstpipe.Watch(sess.ctx, elements.Pipeline, sess.markReady, d.logger)

		switch {
		case err == nil:
			return

		case errors.Is(err, gstpipe.ErrEndOfStream):
			if d.loop {
				d.logger.Info("stream-capture: end of file, looping")
				if err := d.rewind(elements); err != nil {
					sess.fail(err)
					return
				}
				continue
			}
			d.logger.Info("stream-capture: end of stream",
				"frames_decoded", d.counters.Frames.Load(),
			)
			close(sess.eos)
			return

		default:
			var perr *gstpipe.PipelineError
			retryable := errors.As(err, &perr) && perr.Category.Retryable()
			if !sess.isReady() || !d.pipe.Live || !retryable {
				sess.fail(err)
				return
			}

			_ = gstpipe.Destroy(elements)
			before := state.Reconnects
			err := reconnect.Run(sess.ctx, func(ctx context.Context) error {
				return d.start(sess)
			}, d.opts.reconnect, &state, d.logger)
			d.reconnects.Add(state.Reconnects - before)
			if err != nil {
				if sess.ctx.Err() == nil {
					sess.fail(err)
				}
				return
			}
			d.logger.Info("stream-capture: reconnected", "reconnects", d.reconnects.Load())
		}
	}
}

// rewind restarts a file pipeline from the beginning.
func (d *Driver) rewind(elements *gstpipe.Elements) error {
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return err
	}
	return elements.Pipeline.SetState(gst.StatePlaying)
}

func (d *Driver) Read(ctx context.Context) (streamcapture.Image, error) {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return streamcapture.Image{}, detection.ErrNotConnected
	}

	select {
	case s := <-sess.frames:
		return toImage(s), nil
	default:
	}

	select {
	case s := <-sess.frames:
		return toImage(s), nil
	case <-sess.eos:
		select {
		case s := <-sess.frames:
			return toImage(s), nil
		default:
			return streamcapture.Image{}, io.EOF
		}
	case <-sess.failed:
		return streamcapture.Image{}, sess.err
	case <-ctx.Done():
		return streamcapture.Image{}, ctx.Err()
	case <-time.After(d.opts.readWait):
		return streamcapture.Image{}, streamcapture.ErrNoFrame
	}
}

func toImage(s gstpipe.Sample) streamcapture.Image {
	return streamcapture.Image{
		Width:     s.Width,
		Height:    s.Height,
		Data:      s.Data,
		Timestamp: s.Timestamp,
	}
}

// Close stops the pipeline. Safe to call repeatedly.
func (d *Driver) Close() error {
	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()

	if sess == nil {
		return nil
	}
	return d.stop(sess)
}

func (d *Driver) stop(sess *session) error {
	sess.cancel()
	sess.wg.Wait()
	return gstpipe.Destroy(sess.pipeline())
}

// SetFPS changes the pipeline output rate while playing.
func (d *Driver) SetFPS(fps float64) error {
	d.cfgMu.Lock()
	d.pipe.FPS = fps
	cfg := d.pipe
	d.cfgMu.Unlock()

	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return nil
	}
	return gstpipe.UpdateFramerate(sess.pipeline().CapsFilter, cfg.Width, cfg.Height, fps)
}

func (d *Driver) Info() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := map[string]any{
		"driver":             "gstreamer",
		"frames_decoded":     d.counters.Frames.Load(),
		"frames_dropped":     d.counters.Dropped.Load(),
		"bytes_read":         d.counters.BytesRead.Load(),
		"reconnect_attempts": d.reconnects.Load(),
		"loop":               d.loop,
	}
	if d.sess != nil {
		info["vaapi"] = d.sess.pipeline().UsingVAAPI
	}
	if d.probe != nil {
		info["source_codec"] = d.probe.Codec
		info["source_width"] = d.probe.Width
		info["source_height"] = d.probe.Height
	}
	return info
}
