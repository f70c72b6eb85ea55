package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-vision/modules/detection"
)

type outcome struct {
	results []detection.DetectionResult
	err     error
	elapsed time.Duration
}

// run is the frame loop. It returns when ctx is cancelled, the stream ends
// (end of stream or read retries exhausted, both leave the service Running),
// the source is disconnected under it, or the error threshold is reached.
func (s *Service) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var limiter *rate.Limiter
	if s.cfg.Processing.MaxFPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.Processing.MaxFPS), 1)
	}

	skip := s.cfg.Processing.SkipFrames
	batchSize := s.cfg.Processing.BatchSize
	// The first skip frames of every group of skip+1 are dropped.
	toSkip := skip
	batch := make([]detection.Frame, 0, batchSize)

	for frame, err := range s.source.Frames(ctx) {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, detection.ErrRetriesExhausted) {
			s.logger.Warn("service: stream read retries exhausted, ending frame loop", "error", err)
			break
		}
		if err != nil {
			s.streamFailed(err)
			return
		}

		s.stats.total.Add(1)
		s.metrics.FrameRead(s.cfg.ID)

		if toSkip > 0 {
			toSkip--
			s.stats.skipped.Add(1)
			s.metrics.FrameSkipped(s.cfg.ID)
			continue
		}
		toSkip = skip

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		batch = append(batch, frame)
		if len(batch) < batchSize {
			continue
		}
		if !s.process(ctx, batch) {
			return
		}
		batch = batch[:0]
	}

	if ctx.Err() != nil {
		return
	}
	if len(batch) > 0 && !s.process(ctx, batch) {
		return
	}
	s.logger.Info("service: stream ended, frame loop finished",
		"total_frames", s.stats.total.Load(),
		"processed", s.stats.processed.Load(),
	)
}

// process runs inference for frames through the pool and records the
// outcome. It returns false when the loop must stop.
func (s *Service) process(ctx context.Context, frames []detection.Frame) bool {
	out := make(chan outcome, 1)
	frames = append([]detection.Frame(nil), frames...)

	task := func() {
		start := time.Now()
		var o outcome
		if len(frames) == 1 {
			var r detection.DetectionResult
			r, o.err = s.backend.DetectOne(ctx, frames[0])
			if o.err == nil {
				o.results = []detection.DetectionResult{r}
			}
		} else {
			o.results, o.err = s.backend.DetectBatch(ctx, frames)
		}
		o.elapsed = time.Since(start)
		out <- o
	}

	if err := s.pool.Submit(ctx, task); err != nil {
		if ctx.Err() != nil {
			return false
		}
		return s.fail(fmt.Errorf("submit inference: %w", err))
	}

	var o outcome
	select {
	case o = <-out:
	case <-ctx.Done():
		return false
	}
	// a stop that raced the inference discards its result
	if ctx.Err() != nil {
		return false
	}

	if o.err != nil {
		return s.fail(o.err)
	}

	for _, r := range o.results {
		if r.Failed() {
			if !s.fail(&detection.InferenceError{FrameID: r.FrameID, Err: fmt.Errorf("%v", r.ModelInfo["error"])}) {
				return false
			}
			continue
		}
		s.complete(r, o.elapsed/time.Duration(len(o.results)))
	}
	return true
}

func (s *Service) complete(r detection.DetectionResult, elapsed time.Duration) {
	if r.ProcessingTimeMS == 0 {
		r.ProcessingTimeMS = ms(elapsed)
	}
	if s.sink.Push(r) {
		s.metrics.ResultDropped(s.cfg.ID)
	}
	s.stats.processed.Add(1)
	s.stats.record(elapsed)
	s.metrics.InferenceCompleted(s.cfg.ID, elapsed, r.TotalObjects())

	if s.hooks.OnDetectionComplete != nil {
		s.callHook("on_detection_complete", func() { s.hooks.OnDetectionComplete(s.cfg.ID, r) })
	}
}

// fail records one inference error. It returns false once the error
// threshold is reached and the service moved to Error.
func (s *Service) fail(err error) bool {
	n := s.stats.errors.Add(1)
	s.metrics.InferenceFailed(s.cfg.ID)

	var ierr *detection.InferenceError
	if errors.As(err, &ierr) {
		s.logger.Warn("service: inference failed", "frame_id", ierr.FrameID, "error", err, "error_count", n)
	} else {
		s.logger.Warn("service: inference failed", "error", err, "error_count", n)
	}
	s.notifyError(err)

	if n >= uint64(s.errorThreshold) {
		s.logger.Error("service: too many errors, stopping frame loop",
			"error_count", n,
			"threshold", s.errorThreshold,
		)
		s.escalate()
		return false
	}
	return true
}

// streamFailed handles a frame sequence that ended with an unrecoverable
// source error. It does not count toward the inference error threshold.
func (s *Service) streamFailed(err error) {
	s.logger.Error("service: stream failed", "error", err)
	s.notifyError(err)
	s.escalate()
}

func (s *Service) notifyError(err error) {
	if s.hooks.OnError != nil {
		s.callHook("on_error", func() { s.hooks.OnError(s.cfg.ID, err) })
	}
}

// escalate moves Running -> Error and closes the sink so result iterators
// drain and end. A concurrent Stop wins.
func (s *Service) escalate() {
	if s.transition(Running, Error) {
		s.sink.Close()
	}
}
