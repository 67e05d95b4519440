package collector

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomvit/yamc-go/internal/component"
	"github.com/tomvit/yamc-go/internal/errs"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
)

// CronCollector runs its data collection on a 5-field cron schedule.
// It never runs two ticks concurrently and logs (rather than silently
// dropping) a skipped tick when a previous run overran into the next
// scheduled time.
type CronCollector struct {
	*BaseCollector
	schedule cron.Schedule
	done     chan struct{}
}

// NewCronCollector validates schedule as a standard 5-field cron
// expression and wraps base.
func NewCronCollector(base *BaseCollector, schedule string) (*CronCollector, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, errs.NewConfig(base.id, err)
	}
	return &CronCollector{BaseCollector: base, schedule: sched, done: make(chan struct{})}, nil
}

// Start runs the scheduling loop: sleep until the schedule's next
// fire time, then run one tick. If a tick itself overran past the next
// scheduled time, that occurrence is skipped with a warning rather than
// run back-to-back.
func (c *CronCollector) Start(exit *component.ExitSignal) {
	go func() {
		defer close(c.done)
		next := c.schedule.Next(time.Now())
		for {
			wait := time.Until(next)
			if wait > 0 && exit.Wait(wait) {
				return
			}
			if exit.Triggered() {
				return
			}

			now := time.Now()
			if now.After(next.Add(5 * time.Second)) {
				c.log.Warn("cron tick overran, skipping to next scheduled time", "collector", c.id)
				next = c.schedule.Next(now)
				continue
			}

			c.runTick()
			// Advance from the fire time, not from now: a tick that ran
			// past the next slot must surface as an overrun above rather
			// than silently shifting the schedule.
			next = c.schedule.Next(next)
		}
	}()
}

func (c *CronCollector) runTick() {
	defer component.Recover(c.log, c.id)
	points, err := c.PrepareData(yamcexpr.Scope{})
	if err != nil {
		c.log.Error("collector failed to prepare data", "collector", c.id, "error", err)
		return
	}
	c.Write(points, yamcexpr.Scope{})
}

// Join blocks until the worker goroutine spawned by Start has returned.
func (c *CronCollector) Join() {
	<-c.done
}
