package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "agenda/internal/log"
)

// Run polls on the given cron schedule until ctx is cancelled. One cycle
// runs immediately. Ticks that arrive while a cycle is still running are
// skipped. On cancellation the cycle in progress is allowed to finish
// before Run returns.
func (p *Poller) Run(ctx context.Context, spec string, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	logger := appLog.CronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	// Cycles keep running through shutdown; cron.Stop waits for them.
	cycleCtx := context.WithoutCancel(ctx)
	job := func() {
		if _, err := p.RunCycle(cycleCtx); err != nil {
			appLog.Error("poll cycle failed", err)
		}
	}
	if _, err := c.AddFunc(spec, job); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", spec, err)
	}

	job()
	if ctx.Err() != nil {
		return nil
	}

	c.Start()
	appLog.Info("poller started", "schedule", spec)

	<-ctx.Done()
	appLog.Info("poller stopping; waiting for running cycle")
	<-c.Stop().Done()
	appLog.Info("poller stopped")
	return nil
}
