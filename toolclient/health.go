package toolclient

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nachoal/sqlchat-go/internal/logx"
)

const probeTimeout = 30 * time.Second

// StartHealthChecks schedules Probe every HealthInterval. The returned stop
// function waits for a running probe to finish.
func (c *Client) StartHealthChecks() (stop func(), err error) {
	scheduler := cron.New()
	spec := fmt.Sprintf("@every %s", c.opts.HealthInterval)
	if _, err := scheduler.AddFunc(spec, c.healthCheck); err != nil {
		return nil, fmt.Errorf("schedule health check %q: %w", spec, err)
	}
	scheduler.Start()
	logx.Debug().Dur("interval", c.opts.HealthInterval).Msg("tool service health checks started")

	return func() {
		<-scheduler.Stop().Done()
	}, nil
}

func (c *Client) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := c.Probe(ctx); err != nil {
		logx.Error().Err(err).Str("state", c.State().String()).Msg("tool service health check failed")
	}
}
