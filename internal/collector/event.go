package collector

import (
	"context"

	"github.com/tomvit/yamc-go/internal/component"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
	"github.com/tomvit/yamc-go/internal/provider"
)

// EventSource is the minimal surface an EventCollector needs from an
// event provider: the ability to subscribe to one of its topics.
type EventSource interface {
	Subscribe(ctx context.Context, id string, fn provider.Subscriber) error
}

// EventCollector prepares and writes a data point every time one of
// its declared events fires, synchronously on the event's delivery
// goroutine — safe because the only call inside is writer.Write,
// itself non-blocking. Its own worker goroutine does nothing but wait
// for shutdown.
type EventCollector struct {
	*BaseCollector
	source EventSource
	topics []string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventCollector wraps base, subscribing to topics on source once
// Start is called.
func NewEventCollector(base *BaseCollector, source EventSource, topics []string) *EventCollector {
	return &EventCollector{BaseCollector: base, source: source, topics: topics, done: make(chan struct{})}
}

// Start subscribes to every declared topic and then parks until exit
// fires.
func (c *EventCollector) Start(exit *component.ExitSignal) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for _, topic := range c.topics {
		if err := c.source.Subscribe(ctx, topic, c.onEvent); err != nil {
			c.log.Error("event collector failed to subscribe", "collector", c.id, "topic", topic, "error", err)
		}
	}

	go func() {
		defer close(c.done)
		<-exit.Done()
		cancel()
	}()
}

func (c *EventCollector) onEvent(ev *provider.Event) {
	defer component.Recover(c.log, c.id)
	overlay := yamcexpr.Scope{"event": map[string]any{
		"id":   ev.ID,
		"time": ev.LastTime().Unix(),
		"data": ev.Data(),
	}}
	points, err := c.PrepareData(overlay)
	if err != nil {
		c.log.Error("event collector failed to prepare data", "collector", c.id, "error", err)
		return
	}
	c.Write(points, overlay)
}

// Join cancels the subscription context (idempotent if the exit signal
// already did) and blocks until Start's worker goroutine has returned.
func (c *EventCollector) Join() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}
