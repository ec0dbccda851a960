// Package drain turns termination signals into a graceful drain.
package drain

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gaspardpetit/kiegate/core/logx"
	"github.com/gaspardpetit/kiegate/internal/inflight"
	"github.com/gaspardpetit/kiegate/internal/serverstate"
)

// Controller drains in-flight requests on the first signal and terminates on
// the second one or once the drain completes.
type Controller struct {
	Inflight *inflight.Counter
	// Timeout bounds the drain. Zero terminates immediately, a negative
	// value waits indefinitely.
	Timeout time.Duration
	// Terminate is called once when the process should shut down.
	Terminate func()

	once sync.Once
}

func (c *Controller) terminate() {
	c.once.Do(func() {
		if c.Terminate != nil {
			c.Terminate()
		}
	})
}

// Watch consumes signals until the process terminates or ctx is done.
func (c *Controller) Watch(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			if serverstate.IsDraining() || c.Timeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				c.terminate()
				return
			}
			c.start(ctx)
		}
	}
}

func (c *Controller) start(ctx context.Context) {
	serverstate.StartDrain()
	logx.Log.Info().Int64("inflight", c.Inflight.Load()).Msg("drain requested")
	waitCtx := ctx
	var stop context.CancelFunc
	if c.Timeout > 0 {
		logx.Log.Info().Dur("timeout", c.Timeout).Msg("draining; send SIGTERM again to terminate immediately")
		waitCtx, stop = context.WithTimeout(ctx, c.Timeout)
	} else {
		logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
	}
	go func() {
		if stop != nil {
			defer stop()
		}
		if c.Inflight.WaitForZero(waitCtx) {
			logx.Log.Info().Msg("drain complete; terminating")
			c.terminate()
			return
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			logx.Log.Warn().Int64("inflight", c.Inflight.Load()).Msg("drain timeout exceeded; terminating")
			c.terminate()
		}
	}()
}
