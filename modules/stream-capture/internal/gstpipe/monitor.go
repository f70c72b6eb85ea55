package gstpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-vision/modules/stream-capture/internal/reconnect"
)

// ErrEndOfStream is returned by Watch when the pipeline reaches EOS.
var ErrEndOfStream = errors.New("gstpipe: end of stream")

// PipelineError is a classified bus error.
type PipelineError struct {
	Message  string
	Debug    string
	Category reconnect.Category
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("gstpipe: pipeline error [%s]: %s", e.Category, e.Message)
}

// Watch polls the pipeline bus until ctx ends (nil), EOS (ErrEndOfStream) or
// an error (*PipelineError). onPlaying runs every time the pipeline itself
// reaches PLAYING.
func Watch(ctx context.Context, pipeline *gst.Pipeline, onPlaying func(), logger *slog.Logger) error {
	if pipeline == nil {
		return fmt.Errorf("gstpipe: pipeline not initialized")
	}
	bus := pipeline.GetPipelineBus()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return ErrEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			perr := &PipelineError{
				Message: gerr.Error(),
				Debug:   gerr.DebugString(),
			}
			perr.Category = reconnect.Classify(perr.Message, perr.Debug)
			logger.Error("stream-capture: pipeline error",
				"error", perr.Message,
				"debug", perr.Debug,
				"category", perr.Category.String(),
			)
			return perr

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			old, current := msg.ParseStateChanged()
			logger.Debug("stream-capture: pipeline state changed", "from", old, "to", current)
			if current == gst.StatePlaying && onPlaying != nil {
				onPlaying()
			}
		}
	}
}
