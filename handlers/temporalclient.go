package handlers

import (
	"context"
	"sync"
	"time"

	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

var (
	tClient client.Client
	mu      sync.RWMutex
)

// StartTemporalClient dials Temporal in the background and keeps the shared
// client healthy, reconnecting when a health check fails. It returns once ctx
// is done.
func StartTemporalClient(ctx context.Context, opts client.Options, logger *zap.Logger) {
	go func() {
		for ctx.Err() == nil {
			c, err := client.Dial(opts)
			if err != nil {
				logger.Warn("Temporal unavailable, retrying in 5s", zap.Error(err))
				if !sleep(ctx, 5*time.Second) {
					return
				}
				continue
			}
			replaceClient(c)
			logger.Info("Connected to Temporal", zap.String("hostPort", opts.HostPort))

			// Monitor health every 10 seconds
			for sleep(ctx, 10*time.Second) {
				if err := healthCheck(ctx, c); err != nil {
					logger.Warn("Temporal connection unhealthy, reconnecting", zap.Error(err))
					break
				}
			}
		}
		replaceClient(nil)
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// GetClient returns the current Temporal client or nil
func GetClient() client.Client {
	mu.RLock()
	defer mu.RUnlock()
	return tClient
}

// replaceClient safely swaps the current Temporal client
func replaceClient(c client.Client) {
	mu.Lock()
	if tClient != nil {
		tClient.Close()
	}
	tClient = c
	mu.Unlock()
}

// healthCheck pings Temporal for connection health
func healthCheck(ctx context.Context, c client.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.WorkflowService().GetSystemInfo(ctx, &workflowservice.GetSystemInfoRequest{})
	return err
}
