package gstpipe

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Sample is one RGB frame pulled from the appsink.
type Sample struct {
	Width     int
	Height    int
	Data      []byte
	Timestamp time.Time
}

// Counters are updated by the appsink callback.
type Counters struct {
	Frames    atomic.Uint64
	BytesRead atomic.Uint64
	Dropped   atomic.Uint64
}

// SampleHandler delivers appsink samples to a channel.
type SampleHandler struct {
	Out chan<- Sample
	// Live drops a sample when Out is full; otherwise the streaming thread
	// blocks until the consumer catches up or Done closes.
	Live     bool
	Done     <-chan struct{}
	Counters *Counters
}

// Attach installs the handler on sink.
func (h *SampleHandler) Attach(sink *app.Sink) {
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: h.onNewSample,
	})
}

func (h *SampleHandler) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad sample should not end the stream.
		slog.Warn("stream-capture: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream-capture: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	width, height := negotiatedSize(sink)
	out := Sample{
		Width:     width,
		Height:    height,
		Data:      frameData,
		Timestamp: time.Now(),
	}

	h.Counters.Frames.Add(1)
	h.Counters.BytesRead.Add(uint64(len(frameData)))

	if h.Live {
		select {
		case h.Out <- out:
		default:
			h.Counters.Dropped.Add(1)
		}
		return gst.FlowOK
	}

	select {
	case h.Out <- out:
		return gst.FlowOK
	case <-h.Done:
		return gst.FlowFlushing
	}
}

// negotiatedSize reads width and height from the appsink input caps.
func negotiatedSize(sink *app.Sink) (int, int) {
	pad := sink.Element.GetStaticPad("sink")
	if pad == nil {
		return 0, 0
	}
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	structure := caps.GetStructureAt(0)

	var width, height int
	if val, err := structure.GetValue("width"); err == nil {
		width, _ = val.(int)
	}
	if val, err := structure.GetValue("height"); err == nil {
		height, _ = val.(int)
	}
	return width, height
}
