// Package gstpipe builds GStreamer decode pipelines that end in an RGB appsink.
package gstpipe

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Acceleration selects the RTSP H.264 decoder.
type Acceleration int

const (
	// AccelAuto tries VAAPI and falls back to software.
	AccelAuto Acceleration = iota
	AccelVAAPI
	AccelSoftware
)

// Config describes one pipeline.
type Config struct {
	// URI is an rtsp:// location for RTSP, any GStreamer URI otherwise
	// (file://, http(s)://, rtmp://).
	URI  string
	RTSP bool
	// Width and Height scale the output. Zero keeps the source size.
	Width  int
	Height int
	// FPS caps the output rate with videorate. Zero keeps the source rate.
	FPS          float64
	Acceleration Acceleration
	// Live drops frames when the consumer is slow. Files never drop.
	Live bool
}

// Elements holds the pipeline and the elements needed after construction.
type Elements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	CapsFilter *gst.Element
	UsingVAAPI bool
}

// Build creates a configured pipeline in the NULL state.
//
//	rtsp:  rtspsrc → rtph264depay → decoder → videoconvert → videoscale →
//	       videorate → capsfilter → appsink
//	other: uridecodebin → videoconvert → videoscale → videorate →
//	       capsfilter → appsink
func Build(cfg Config) (*Elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: create pipeline: %w", err)
	}

	tail, err := newTail(cfg)
	if err != nil {
		return nil, err
	}

	var usingVAAPI bool
	if cfg.RTSP {
		usingVAAPI, err = buildRTSPHead(pipeline, cfg, tail)
	} else {
		err = buildURIHead(pipeline, cfg, tail)
	}
	if err != nil {
		return nil, err
	}

	return &Elements{
		Pipeline:   pipeline,
		AppSink:    tail.sink,
		CapsFilter: tail.capsfilter,
		UsingVAAPI: usingVAAPI,
	}, nil
}

// tail is the shared conversion chain from decoded video to the appsink.
type tail struct {
	converter  *gst.Element
	scaler     *gst.Element
	videorate  *gst.Element
	capsfilter *gst.Element
	sink       *app.Sink
}

func (t *tail) elements() []*gst.Element {
	return []*gst.Element{t.converter, t.scaler, t.videorate, t.capsfilter, t.sink.Element}
}

func newTail(cfg Config) (*tail, error) {
	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)
	if cfg.FPS > 0 && cfg.FPS <= 2.0 {
		videorate.SetProperty("average-period", uint64(0))
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstpipe: create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(OutputCaps(cfg.Width, cfg.Height, cfg.FPS)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstpipe: create appsink: %w", err)
	}
	if cfg.Live {
		sink.SetProperty("sync", false)
		sink.SetProperty("max-buffers", 1)
		sink.SetProperty("drop", true)
		sink.SetProperty("qos", true)
	} else {
		// Files are paced by the consumer.
		sink.SetProperty("sync", false)
		sink.SetProperty("max-buffers", 4)
		sink.SetProperty("drop", false)
	}

	return &tail{
		converter:  converter,
		scaler:     scaler,
		videorate:  videorate,
		capsfilter: capsfilter,
		sink:       sink,
	}, nil
}

func buildRTSPHead(pipeline *gst.Pipeline, cfg Config, t *tail) (bool, error) {
	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return false, fmt.Errorf("gstpipe: create rtspsrc: %w", err)
	}
	src.SetProperty("location", cfg.URI)
	src.SetProperty("protocols", 4) // TCP only
	latency := 200
	if cfg.FPS > 0 && cfg.FPS <= 2.0 {
		latency = 50
	}
	src.SetProperty("latency", latency)
	src.SetProperty("ntp-sync", false)
	src.SetProperty("tcp-timeout", uint64(10000000))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return false, fmt.Errorf("gstpipe: create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	decoder, usingVAAPI, err := newH264Decoder(cfg)
	if err != nil {
		return false, err
	}

	chain := append([]*gst.Element{depay, decoder}, t.elements()...)
	if err := pipeline.AddMany(append([]*gst.Element{src}, chain...)...); err != nil {
		return false, fmt.Errorf("gstpipe: add rtsp elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return false, fmt.Errorf("gstpipe: link rtsp elements: %w", err)
	}

	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		linkPad(srcPad, depay)
	})
	return usingVAAPI, nil
}

func newH264Decoder(cfg Config) (*gst.Element, bool, error) {
	if cfg.Acceleration != AccelSoftware {
		decoder, err := gst.NewElement("vaapih264dec")
		if err == nil {
			decoder.SetProperty("low-latency", true)
			slog.Info("stream-capture: using VAAPI decoder", "decoder", "vaapih264dec")
			return decoder, true, nil
		}
		if cfg.Acceleration == AccelVAAPI {
			return nil, false, fmt.Errorf("gstpipe: create vaapih264dec (VAAPI required): %w", err)
		}
		slog.Warn("stream-capture: VAAPI unavailable, using software decoder", "error", err)
	}

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, false, fmt.Errorf("gstpipe: create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)
	return decoder, false, nil
}

func buildURIHead(pipeline *gst.Pipeline, cfg Config, t *tail) error {
	src, err := gst.NewElement("uridecodebin")
	if err != nil {
		return fmt.Errorf("gstpipe: create uridecodebin: %w", err)
	}
	src.SetProperty("uri", cfg.URI)

	chain := t.elements()
	if err := pipeline.AddMany(append([]*gst.Element{src}, chain...)...); err != nil {
		return fmt.Errorf("gstpipe: add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return fmt.Errorf("gstpipe: link elements: %w", err)
	}

	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		if !isVideoPad(srcPad) {
			slog.Debug("stream-capture: ignoring non-video pad", "pad", srcPad.GetName())
			return
		}
		linkPad(srcPad, t.converter)
	})
	return nil
}

// isVideoPad reports whether a dynamic pad carries raw video.
func isVideoPad(pad *gst.Pad) bool {
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		// Caps not negotiated yet; let the link attempt decide.
		return true
	}
	return strings.HasPrefix(caps.GetStructureAt(0).Name(), "video/")
}

func linkPad(srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("stream-capture: sink pad not found", "element", sinkElement.GetName())
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("stream-capture: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("stream-capture: pads linked", "src_pad", srcPad.GetName())
}

// UpdateFramerate changes the output rate without rebuilding the pipeline.
func UpdateFramerate(capsfilter *gst.Element, width, height int, fps float64) error {
	if capsfilter == nil {
		return fmt.Errorf("gstpipe: capsfilter is nil")
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(OutputCaps(width, height, fps)))
	return nil
}

// Destroy stops the pipeline and releases its resources. Safe on nil.
func Destroy(e *Elements) error {
	if e == nil || e.Pipeline == nil {
		return nil
	}
	if err := e.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstpipe: set pipeline NULL: %w", err)
	}
	return nil
}
