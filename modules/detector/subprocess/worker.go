// Package subprocess runs inference in an external worker process.
//
// The worker reads frames on stdin and answers on stdout, one message per
// frame. Every message is msgpack with a 4-byte big-endian length prefix:
//
//	Go  → stdin   Request{frame_data, width, height, meta{seq, ...}}
//	Go  ← stdout  Response{seq, detections[], timing{}, error}
//
// Worker stderr is forwarded to the logger, mapping "[ERROR]" and "[WARNING]"
// markers to slog levels. One process runs per device; for "cuda:N" devices
// CUDA_VISIBLE_DEVICES=N is set so each process sees exactly one GPU.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-vision/modules/detection"
	"github.com/e7canasta/orion-vision/modules/detector"
)

// stopTimeout is how long Close waits before killing the process.
const stopTimeout = 2 * time.Second

// ErrWorkerExited is returned by Infer once the process has exited.
var ErrWorkerExited = errors.New("subprocess: worker exited")

// Worker is a running worker process bound to one device. It implements
// detector.Engine.
type Worker struct {
	dev     detector.Device
	timeout time.Duration
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex // serializes Infer
	seq       uint64
	pending   chan error // write still in flight from a timed out request
	responses chan Response
	exited    chan struct{}
	exitErr   error

	closed     atomic.Bool
	inferences atomic.Uint64
}

// Start spawns the worker described by cfg.Worker for dev.
func Start(ctx context.Context, cfg detection.ModelConfig, dev detector.Device, logger *slog.Logger) (*Worker, error) {
	if cfg.Worker.Command == "" {
		return nil, &detection.ConfigError{Key: "worker.command", Message: "worker command is required"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDefaults()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Worker.Command, workerArgs(cfg, dev)...)
	cmd.Env = workerEnv(cfg, dev)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess: start %s: %w", cfg.Worker.Command, err)
	}

	w := &Worker{
		dev:       dev,
		timeout:   cfg.Worker.Timeout,
		logger:    logger.With("device", dev.Name, "pid", cmd.Process.Pid),
		cmd:       cmd,
		stdin:     stdin,
		cancel:    cancel,
		responses: make(chan Response, 1),
		exited:    make(chan struct{}),
	}

	w.wg.Add(3)
	go w.readResponses(stdout)
	go w.logStderr(stderr)
	go w.waitProcess()

	w.logger.Info("subprocess: worker started", "command", cfg.Worker.Command)
	return w, nil
}

func workerArgs(cfg detection.ModelConfig, dev detector.Device) []string {
	args := append([]string(nil), cfg.Worker.Args...)
	args = append(args,
		"--model", detector.ModelFile(cfg),
		"--confidence", strconv.FormatFloat(cfg.ConfidenceThreshold, 'f', 2, 64),
		"--iou", strconv.FormatFloat(cfg.IOUThreshold, 'f', 2, 64),
		"--input-size", strconv.Itoa(cfg.InputSize),
		"--device", deviceArg(dev),
	)
	if cfg.HalfPrecision {
		args = append(args, "--half")
	}
	return args
}

// deviceArg is the device as the worker sees it. Pinned GPUs are renumbered
// to 0 by CUDA_VISIBLE_DEVICES.
func deviceArg(dev detector.Device) string {
	if strings.HasPrefix(dev.Name, "cuda:") {
		return "cuda:0"
	}
	return dev.Name
}

func workerEnv(cfg detection.ModelConfig, dev detector.Device) []string {
	env := os.Environ()
	for k, v := range cfg.Worker.Env {
		env = append(env, k+"="+v)
	}
	if strings.HasPrefix(dev.Name, "cuda:") {
		env = append(env, "CUDA_VISIBLE_DEVICES="+strconv.Itoa(dev.ID))
	}
	return env
}

// Infer sends frame and waits for the matching response. Responses to
// earlier requests that timed out are discarded.
func (w *Worker) Infer(ctx context.Context, frame detection.Frame) ([]detection.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return nil, ErrWorkerExited
	}
	select {
	case <-w.exited:
		return nil, fmt.Errorf("%w: %v", ErrWorkerExited, w.exitErr)
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if w.pending != nil {
		select {
		case <-w.pending:
			w.pending = nil
		case <-w.exited:
			return nil, ErrWorkerExited
		case <-ctx.Done():
			return nil, fmt.Errorf("subprocess: previous write still blocked: %w", ctx.Err())
		}
	}

	w.seq++
	seq := w.seq
	req := Request{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: Meta{
			Seq:       seq,
			FrameID:   frame.ID,
			StreamID:  frame.StreamID,
			TraceID:   frame.TraceID,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			Device:    w.dev.Name,
		},
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- WriteMessage(w.stdin, req)
	}()
	select {
	case err := <-writeErr:
		if err != nil {
			return nil, fmt.Errorf("subprocess: write request: %w", err)
		}
	case <-w.exited:
		return nil, ErrWorkerExited
	case <-ctx.Done():
		w.pending = writeErr
		w.logger.Warn("subprocess: stdin write timeout, worker may be hung", "seq", seq)
		return nil, fmt.Errorf("subprocess: write request: %w", ctx.Err())
	}

	for {
		select {
		case resp := <-w.responses:
			if resp.Seq < seq {
				w.logger.Debug("subprocess: discarding stale response", "seq", resp.Seq, "want", seq)
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("subprocess: worker error: %s", resp.Error)
			}
			w.inferences.Add(1)
			return toDetections(resp.Detections), nil
		case <-w.exited:
			return nil, ErrWorkerExited
		case <-ctx.Done():
			return nil, fmt.Errorf("subprocess: waiting for response: %w", ctx.Err())
		}
	}
}

func toDetections(wire []WireDetection) []detection.Detection {
	out := make([]detection.Detection, len(wire))
	for i, d := range wire {
		out[i] = detection.Detection{
			BBox:       detection.BoundingBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
			ClassName:  d.ClassName,
			Attributes: d.Attributes,
		}
	}
	return out
}

// readResponses forwards decoded responses until stdout closes.
func (w *Worker) readResponses(stdout io.Reader) {
	defer w.wg.Done()
	for {
		var resp Response
		err := ReadMessage(stdout, &resp)
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			w.logger.Debug("subprocess: worker stdout closed")
			return
		}
		if err != nil {
			w.logger.Error("subprocess: failed to read response", "error", err)
			return
		}
		select {
		case w.responses <- resp:
		case <-w.exited:
			return
		}
	}
}

func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("subprocess: worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			w.logger.Warn("subprocess: worker warning", "log", line)
		default:
			w.logger.Debug("subprocess: worker log", "log", line)
		}
	}
}

func (w *Worker) waitProcess() {
	defer w.wg.Done()
	err := w.cmd.Wait()
	w.exitErr = err
	close(w.exited)

	switch {
	case w.closed.Load():
		w.logger.Debug("subprocess: worker exited (shutdown)")
	case err != nil:
		w.logger.Error("subprocess: worker exited unexpectedly", "error", err)
	default:
		w.logger.Info("subprocess: worker exited cleanly")
	}
}

// Close asks the worker to exit by closing stdin and kills it after
// stopTimeout.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.stdin.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		w.logger.Warn("subprocess: stop timeout, killing worker")
		w.cancel()
		<-done
	}
	w.cancel()
	return nil
}

// Inferences returns how many requests completed successfully.
func (w *Worker) Inferences() uint64 {
	return w.inferences.Load()
}

// Loader returns a detector.EngineLoader that starts one worker per device.
func Loader(logger *slog.Logger) detector.EngineLoader {
	return func(ctx context.Context, cfg detection.ModelConfig, dev detector.Device) (detector.Engine, error) {
		return Start(ctx, cfg, dev, logger)
	}
}
