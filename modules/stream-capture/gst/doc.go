// Package gststream provides GStreamer backed stream drivers for the rtsp,
// rtmp, http, https and file protocols.
//
// Requires cgo and the GStreamer 1.x runtime:
//
//	sudo apt install gstreamer1.0-tools gstreamer1.0-plugins-good \
//	    gstreamer1.0-plugins-bad gstreamer1.0-libav gstreamer1.0-vaapi
//
// Live sources (rtsp, rtmp, http) drop frames when the consumer is slow and
// reconnect with exponential backoff after network errors. File sources
// never drop frames, end with io.EOF, and restart from the beginning when
// the descriptor carries Params["loop"] = "true".
package gststream
