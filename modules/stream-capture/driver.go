package streamcapture

import (
	"context"
	"errors"
	"time"
)

// ErrNoFrame is returned by Driver.Read when no frame is ready yet.
var ErrNoFrame = errors.New("stream-capture: no frame available")

// Image is one decoded picture as produced by a Driver.
type Image struct {
	Width  int
	Height int
	// Data holds packed RGB24 pixels.
	Data []byte
	// Timestamp is when the image was decoded. Zero means "now".
	Timestamp time.Time
}

// Driver pulls decoded images from one stream.
//
// Implementations must guarantee:
//   - Open honours ctx cancellation and deadline
//   - Read returns io.EOF once a finite stream is exhausted
//   - Read returns ErrNoFrame when nothing is ready (never blocks forever)
//   - Close is idempotent
type Driver interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (Image, error)
	Close() error
	// Info reports driver specific properties for StreamInfo.Extra.
	Info() map[string]any
}
