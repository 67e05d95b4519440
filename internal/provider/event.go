package provider

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomvit/yamc-go/internal/errs"
)

// Event is one named topic an EventProvider tracks: its most recent
// data, a bounded history, and the time it last changed.
type Event struct {
	ID      string
	maxHist int

	mu      sync.RWMutex
	lastAt  time.Time
	data    map[string]any
	history []map[string]any
}

func newEvent(id string, maxHist int) *Event {
	if maxHist <= 0 {
		maxHist = 120
	}
	return &Event{ID: id, maxHist: maxHist}
}

// Update records data as the event's newest observation.
func (e *Event) Update(data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAt = time.Now()
	e.data = data
	e.history = append(e.history, data)
	if len(e.history) > e.maxHist {
		e.history = e.history[len(e.history)-e.maxHist:]
	}
}

// Data returns the event's most recent payload.
func (e *Event) Data() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data
}

// History returns the event's bounded ring buffer of past payloads.
func (e *Event) History() []map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]map[string]any, len(e.history))
	copy(out, e.history)
	return out
}

// LastTime returns the wall-clock moment Update was last called.
func (e *Event) LastTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastAt
}

// Subscriber is called once per Event.Update, on the delivery
// goroutine, and must not block — it hands the point to a writer via
// BaseWriter.Write, itself non-blocking.
type Subscriber func(ev *Event)

// EventProvider owns one Event per declared topic and fans updates out
// to subscribers through an in-memory watermill bus with a bounded
// per-subscriber buffer, so a slow subscriber backs up its own buffer
// rather than the delivery goroutine.
type EventProvider struct {
	BaseProvider

	maxHistory int
	bus        *gochannel.GoChannel

	mu     sync.RWMutex
	events map[string]*Event
}

// NewEventProvider constructs an EventProvider. maxHistory bounds each
// Event's history ring buffer (default 120).
func NewEventProvider(base BaseProvider, maxHistory int) *EventProvider {
	if maxHistory <= 0 {
		maxHistory = 120
	}
	bus := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NopLogger{},
	)
	return &EventProvider{
		BaseProvider: base,
		maxHistory:   maxHistory,
		bus:          bus,
		events:       make(map[string]*Event),
	}
}

// AddEvent registers a new topic id, creating its Event if absent, and
// returns it.
func (p *EventProvider) AddEvent(id string) *Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := p.events[id]; ok {
		return ev
	}
	ev := newEvent(id, p.maxHistory)
	p.events[id] = ev
	return ev
}

// Dispatch publishes a payload for topic id: it updates the Event and
// broadcasts to every active subscriber via the bus.
func (p *EventProvider) Dispatch(id string, data map[string]any) error {
	ev := p.AddEvent(id)
	ev.Update(data)

	body, err := json.Marshal(data)
	if err != nil {
		return errs.NewData("event provider", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	return p.bus.Publish(id, msg)
}

// Subscribe runs fn every time topic id receives a Dispatch call, for
// the lifetime of ctx. The subscription's delivery goroutine is
// started by this call and exits when ctx is cancelled.
func (p *EventProvider) Subscribe(ctx context.Context, id string, fn Subscriber) error {
	ch, err := p.bus.Subscribe(ctx, id)
	if err != nil {
		return errs.NewHealthCheck("event provider", err)
	}
	go func() {
		for msg := range ch {
			msg.Ack()
			ev := p.AddEvent(id)
			fn(ev)
		}
	}()
	return nil
}

// Select returns every Event whose id exactly matches one of ids, or —
// failing an exact match — whose id matches it as a regular expression.
// An id that matches nothing is logged at WARN unless silent is true.
func (p *EventProvider) Select(silent bool, ids ...string) []*Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Event
	seen := make(map[string]bool)
	for _, id := range ids {
		if ev, ok := p.events[id]; ok {
			if !seen[ev.ID] {
				out = append(out, ev)
				seen[ev.ID] = true
			}
			continue
		}
		matched := false
		re, err := regexp.Compile(id)
		if err == nil {
			for evID, ev := range p.events {
				if re.MatchString(evID) && !seen[evID] {
					out = append(out, ev)
					seen[evID] = true
					matched = true
				}
			}
		}
		if !matched && !silent {
			p.Log().Warn("no event matches selector", "provider", p.ID(), "selector", id)
		}
	}
	return out
}

// SelectOne returns the single Event matching id, or nil.
func (p *EventProvider) SelectOne(id string) *Event {
	matches := p.Select(true, id)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// Close shuts down the underlying bus.
func (p *EventProvider) Close() error {
	return p.bus.Close()
}
