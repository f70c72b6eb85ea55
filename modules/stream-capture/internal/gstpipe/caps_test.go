package gstpipe

import "testing"

func TestOutputCaps(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		fps           float64
		want          string
	}{
		{"native", 0, 0, 0, "video/x-raw,format=RGB"},
		{"scaled", 640, 360, 0, "video/x-raw,format=RGB,width=640,height=360"},
		{"integer_fps", 640, 360, 5, "video/x-raw,format=RGB,width=640,height=360,framerate=5/1"},
		{"fractional_fps", 0, 0, 0.5, "video/x-raw,format=RGB,framerate=1/2"},
		{"rounded_fps", 0, 0, 29.97, "video/x-raw,format=RGB,framerate=30/1"},
		{"half_size_ignored", 640, 0, 0, "video/x-raw,format=RGB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutputCaps(tt.width, tt.height, tt.fps); got != tt.want {
				t.Errorf("OutputCaps() = %q, want %q", got, tt.want)
			}
		})
	}
}
