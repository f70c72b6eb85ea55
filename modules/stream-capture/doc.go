// Package streamcapture turns a frame-pulling Driver into a
// detection.StreamSource.
//
// Drivers only know how to open a stream, read decoded images and close it.
// Source adds everything the orchestration core relies on:
//
//   - per-connection frame ids starting at 0
//   - a bounded Connect (descriptor Timeout, ErrConnectionTimeout on expiry)
//   - a retrying frame sequence (Frames) that gives up after RetryAttempts
//     consecutive failed reads
//   - measured FPS and stability figures in StreamInfo
//
// # Quick Start
//
//	drv, _ := streamcapture.NewSyntheticDriver("synthetic://320x240?frames=100&fps=10")
//	src := streamcapture.NewSource(detection.StreamDescriptor{URL: drv.URL()}, drv)
//
//	if err := src.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Disconnect()
//
//	for frame, err := range src.Frames(ctx) {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    process(frame)
//	}
//
// # Drivers
//
// The synthetic driver in this package needs no external dependencies and
// backs the "synthetic" protocol. GStreamer drivers for rtsp, rtmp, http(s)
// and file live in the gst subpackage, which requires cgo and the
// gstreamer1.0 runtime.
//
// # Retry semantics
//
// A read returning ErrNoFrame (nothing decoded yet) is retried after 100ms,
// any other read error after 500ms. A successful read resets the failure
// counter. io.EOF ends the sequence without an error.
package streamcapture
