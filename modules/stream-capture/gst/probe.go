package gststream

import (
	"context"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/rtmp"

	"github.com/e7canasta/orion-vision/modules/detection"
)

const defaultProbeTimeout = 10 * time.Second

// rtmpProbe is what the RTMP handshake reported about the published stream.
type rtmpProbe struct {
	Codec  string
	Width  int
	Height int
}

// probeRTMP dials the server and reads the stream headers so that an absent
// publisher fails Connect instead of stalling the pipeline.
func probeRTMP(ctx context.Context, uri string) (*rtmpProbe, error) {
	timeout := defaultProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	conn, err := rtmp.DialTimeout(uri, timeout)
	if err != nil {
		return nil, &detection.StreamError{URL: redact(uri), Err: err}
	}
	defer conn.Close()

	streams, err := conn.Streams()
	if err != nil {
		return nil, &detection.StreamError{URL: redact(uri), Err: err}
	}

	probe := &rtmpProbe{}
	for _, codec := range streams {
		if !codec.Type().IsVideo() {
			continue
		}
		probe.Codec = codec.Type().String()
		if video, ok := codec.(av.VideoCodecData); ok {
			probe.Width = video.Width()
			probe.Height = video.Height()
		}
		break
	}
	return probe, nil
}
