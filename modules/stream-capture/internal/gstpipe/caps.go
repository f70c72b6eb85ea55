package gstpipe

import (
	"fmt"
	"strings"
)

// OutputCaps builds the appsink caps. Width, height and framerate are only
// constrained when set.
//
// Framerates below 1 are expressed as 1/N (0.5 → 1/2).
func OutputCaps(width, height int, fps float64) string {
	var b strings.Builder
	b.WriteString("video/x-raw,format=RGB")
	if width > 0 && height > 0 {
		fmt.Fprintf(&b, ",width=%d,height=%d", width, height)
	}
	if fps > 0 {
		num, den := framerate(fps)
		fmt.Fprintf(&b, ",framerate=%d/%d", num, den)
	}
	return b.String()
}

func framerate(fps float64) (num, den int) {
	if fps < 1.0 {
		return 1, int(1.0/fps + 0.5)
	}
	return int(fps + 0.5), 1
}
