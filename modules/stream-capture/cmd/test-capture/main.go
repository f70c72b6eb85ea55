package main

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/registry"
	streamcapture "github.com/e7canasta/orion-vision/modules/stream-capture"
	gststream "github.com/e7canasta/orion-vision/modules/stream-capture/gst"
)

const version = "v0.2.0"

func main() {
	streamURL := pflag.String("url", "", "Stream URL: rtsp://, rtmp://, http(s)://, file path or synthetic:// (required)")
	width := pflag.Int("width", 0, "Output width (0 = source native)")
	height := pflag.Int("height", 0, "Output height (0 = source native)")
	fps := pflag.Float64("fps", 0, "Target FPS (0 = source native)")
	loop := pflag.Bool("loop", false, "Restart file sources at end of file")
	outputDir := pflag.String("output", "", "Directory to save captured frames (optional)")
	outputFormat := pflag.String("format", "png", "Output format: png, jpeg")
	jpegQuality := pflag.Int("jpeg-quality", 90, "JPEG quality (1-100, only for jpeg format)")
	maxFrames := pflag.Int("max-frames", 0, "Maximum frames to capture (0 = unlimited)")
	statsInterval := pflag.Duration("stats-interval", 10*time.Second, "Interval between stats reports")
	accel := pflag.String("accel", "auto", "RTSP acceleration mode: auto, vaapi, software")
	timeout := pflag.Duration("timeout", detection.DefaultConnectTimeout, "Connect timeout")
	debug := pflag.Bool("debug", false, "Enable debug logging")
	showVersion := pflag.Bool("version", false, "Show version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("test-capture %s\n", version)
		os.Exit(0)
	}

	if *streamURL == "" {
		fmt.Fprintf(os.Stderr, "Error: --url flag is required\n\n")
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  test-capture --url rtsp://192.168.1.100/stream\n")
		fmt.Fprintf(os.Stderr, "  test-capture --url ./clip.mp4 --loop --output ./frames\n")
		fmt.Fprintf(os.Stderr, "  test-capture --url 'synthetic://320x240?fps=5' --max-frames 20\n\n")
		pflag.PrintDefaults()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if *outputFormat != "png" && *outputFormat != "jpeg" {
		log.Fatalf("Invalid output format: %s (must be png or jpeg)", *outputFormat)
	}
	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0o755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	var accelMode gststream.Acceleration
	switch *accel {
	case "auto":
		accelMode = gststream.AccelAuto
	case "vaapi":
		accelMode = gststream.AccelVAAPI
	case "software":
		accelMode = gststream.AccelSoftware
	default:
		log.Fatalf("Invalid acceleration mode: %s (must be auto, vaapi, or software)", *accel)
	}

	reg := registry.New()
	streamcapture.RegisterSynthetic(reg)
	gststream.Register(reg, gststream.WithAcceleration(accelMode))

	desc := detection.StreamDescriptor{
		FPS:        *fps,
		Resolution: detection.Resolution{Width: *width, Height: *height},
		Timeout:    *timeout,
		Params:     map[string]string{"loop": fmt.Sprint(*loop)},
	}
	src, err := reg.CreateSourceFromURL(*streamURL, desc)
	if err != nil {
		log.Fatalf("Failed to create source: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("Connecting", "url", *streamURL)
	if err := src.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer src.Disconnect()

	fmt.Printf("Capturing from %s (Ctrl+C to stop)\n\n", *streamURL)

	startTime := time.Now()
	var framesSaved atomic.Int64
	saveErrors := 0

	go func() {
		ticker := time.NewTicker(*statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printStats(src.StreamInfo(), time.Since(startTime), framesSaved.Load())
			}
		}
	}()

	frameCount := 0
	for frame, err := range src.Frames(ctx) {
		if err != nil {
			slog.Error("Frame sequence ended with error", "error", err)
			break
		}
		frameCount++

		fmt.Printf("[%s] Frame #%-6d | %dx%d | Size: %6.1f KB | Trace: %s\n",
			time.Now().Format("15:04:05"),
			frame.ID,
			frame.Width, frame.Height,
			float64(len(frame.Data))/1024,
			frame.TraceID,
		)

		if *outputDir != "" {
			if err := saveFrame(*outputDir, frame, *outputFormat, *jpegQuality); err != nil {
				slog.Error("Failed to save frame", "error", err, "frame_id", frame.ID)
				saveErrors++
			} else {
				framesSaved.Add(1)
			}
		}

		if *maxFrames > 0 && frameCount >= *maxFrames {
			fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
			break
		}
	}

	info := src.StreamInfo()
	printStats(info, time.Since(startTime), framesSaved.Load())
	if saveErrors > 0 {
		fmt.Printf("  Save errors:        %d\n", saveErrors)
	}
}

func printStats(info detection.StreamInfo, uptime time.Duration, saved int64) {
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Stream Statistics (Uptime: %s)\n", uptime.Round(time.Second))
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ Protocol:           %s\n", info.Protocol)
	fmt.Printf("│ Frames Captured:    %6d frames\n", info.FrameCount)
	fmt.Printf("│ Frames Saved:       %6d frames\n", saved)
	fmt.Printf("│ Resolution:         %dx%d\n", info.Resolution.Width, info.Resolution.Height)
	fmt.Printf("│ Measured FPS:       %6.2f fps\n", info.MeasuredFPS)
	fmt.Printf("│ Reconnects:         %6d\n", info.Reconnects)
	fmt.Printf("│ Connected:          %6v\n", info.Connected)
	for _, key := range []string{"fps_stable", "jitter_ms", "frames_dropped", "vaapi"} {
		if v, ok := info.Extra[key]; ok {
			fmt.Printf("│ %-19s %v\n", key+":", v)
		}
	}
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n\n")
}

// saveFrame writes a packed RGB frame as PNG or JPEG.
func saveFrame(outputDir string, frame detection.Frame, format string, jpegQuality int) error {
	name := fmt.Sprintf("frame_%06d_%s.%s", frame.ID, frame.Timestamp.Format("20060102_150405.000"), format)
	path := filepath.Join(outputDir, name)

	if len(frame.Data) < frame.Width*frame.Height*3 {
		return fmt.Errorf("frame data too short: %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i := 0; i < frame.Width*frame.Height; i++ {
		img.Pix[i*4+0] = frame.Data[i*3+0]
		img.Pix[i*4+1] = frame.Data[i*3+1]
		img.Pix[i*4+2] = frame.Data[i*3+2]
		img.Pix[i*4+3] = 255
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch format {
	case "png":
		return png.Encode(file, img)
	case "jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: jpegQuality})
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
