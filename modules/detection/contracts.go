package detection

import (
	"context"
	"iter"
)

// StreamSource is the capability a stream collaborator implements.
//
// Implementations must guarantee:
//   - Connect returns within the descriptor Timeout (ErrConnectionTimeout otherwise)
//   - Disconnect is idempotent and safe when not connected
//   - GetFrame returns io.EOF once a finite stream is exhausted
//   - Frames yields frames with strictly increasing IDs starting at 0
//   - StreamInfo and Connected are safe from any goroutine
type StreamSource interface {
	// Connect opens the stream and resets the frame id counter.
	Connect(ctx context.Context) error

	// Disconnect releases the stream.
	Disconnect() error

	// GetFrame reads the next frame.
	GetFrame(ctx context.Context) (Frame, error)

	// Frames returns a lazy sequence of frames for the current connection.
	//
	// Transient read failures are retried; the counter resets after every
	// successful read. After RetryAttempts consecutive failures the sequence
	// yields a final ErrRetriesExhausted error and ends. End of stream ends
	// the sequence without an error. The sequence is not restartable
	// mid-iteration; reconnect to obtain a new one.
	//
	// Example:
	//
	//	for frame, err := range src.Frames(ctx) {
	//	    if err != nil {
	//	        return err
	//	    }
	//	    process(frame)
	//	}
	Frames(ctx context.Context) iter.Seq2[Frame, error]

	// StreamInfo reports static and measured stream properties.
	StreamInfo() StreamInfo

	// Connected reports whether Connect succeeded and Disconnect was not called.
	Connected() bool
}

// DetectorBackend is the capability a detector collaborator implements.
type DetectorBackend interface {
	// Load prepares the model on every configured device.
	Load(ctx context.Context) error

	// Unload releases the model. Safe to call when not loaded.
	Unload() error

	// Loaded reports whether Load succeeded and Unload was not called.
	Loaded() bool

	// DetectOne runs inference on a single frame. Failures are returned as
	// *InferenceError tagged with the frame id.
	DetectOne(ctx context.Context, frame Frame) (DetectionResult, error)

	// DetectBatch runs inference on several frames. A failed item never
	// fails its siblings: it is returned as an empty result whose
	// ModelInfo["error"] holds the failure. The error return is reserved for
	// failures of the whole batch (backend not loaded, cancelled context).
	DetectBatch(ctx context.Context, frames []Frame) ([]DetectionResult, error)

	// ModelInfo reports model and device state.
	ModelInfo() ModelInfo
}
