package emitter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/e7canasta/orion-vision/modules/resultbus"
)

// Forward publishes every envelope received from recv until ctx ends or the
// receiver is closed. Publish failures are logged and do not stop the loop.
// It returns the number of envelopes published successfully.
func Forward(ctx context.Context, recv *resultbus.Receiver, p Publisher, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	var sent int
	for {
		env, err := recv.Receive(ctx)
		if err != nil {
			if !errors.Is(err, resultbus.ErrReceiverClosed) && ctx.Err() == nil {
				logger.Warn("emitter: receive failed", "error", err)
			}
			return sent
		}
		if err := p.Publish(ctx, env.ServiceID, env.Result); err != nil {
			logger.Warn("emitter: publish failed",
				"service_id", env.ServiceID,
				"frame_id", env.Result.FrameID,
				"error", err,
			)
			continue
		}
		sent++
	}
}
