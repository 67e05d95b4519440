// Package collector implements cron-driven and event-driven data
// collection: shaping provider/expression output into data points and
// handing them to the writers a collector declares.
package collector

import (
	"sync"
	"time"

	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
	"github.com/tomvit/yamc-go/internal/logging"
	"github.com/tomvit/yamc-go/internal/writer"
)

func nowUnix() int64 { return time.Now().Unix() }

// WriterRef is one entry of a collector's writers: [...] declaration:
// the target writer id plus its un-evaluated per-collector config
// overlay.
type WriterRef struct {
	WriterID string
	Overlay  map[string]any
}

// ResolvedWriter pairs a WriterRef with the live writer.Writer it
// named, resolved once at construction time.
type ResolvedWriter struct {
	Writer  writer.Writer
	Overlay map[string]any
}

// DataDef is a collector's data: definition: either a field-map (each
// value independently evaluated) or a single expression producing the
// whole point (or a list of points).
type DataDef struct {
	Expr   *yamcexpr.Expression
	Fields map[string]any
}

// BaseCollector implements the data-shaping and writer-dispatch
// machinery every collector kind (cron, event) shares.
type BaseCollector struct {
	id      string
	enabled bool
	log     logging.Logger
	scopeFn func() yamcexpr.Scope

	writers    []ResolvedWriter
	dataDef    DataDef
	maxHistory int

	mu      sync.Mutex
	history []map[string]any
}

// New constructs a BaseCollector. writerRefs are resolved against
// resolve (typically the runtime's writer lookup) at construction time;
// an unresolved id is logged once and skipped at dispatch.
func New(
	id string,
	enabled bool,
	log logging.Logger,
	scopeFn func() yamcexpr.Scope,
	dataDef DataDef,
	maxHistory int,
	writerRefs []WriterRef,
	resolve func(id string) (writer.Writer, bool),
) *BaseCollector {
	if maxHistory <= 0 {
		maxHistory = 120
	}
	c := &BaseCollector{
		id:         id,
		enabled:    enabled,
		log:        log,
		scopeFn:    scopeFn,
		dataDef:    dataDef,
		maxHistory: maxHistory,
	}
	for _, ref := range writerRefs {
		w, ok := resolve(ref.WriterID)
		if !ok {
			log.Warn("collector references unknown writer, skipping", "collector", id, "writer", ref.WriterID)
			continue
		}
		c.writers = append(c.writers, ResolvedWriter{Writer: w, Overlay: ref.Overlay})
	}
	return c
}

func (c *BaseCollector) ID() string    { return c.id }
func (c *BaseCollector) Enabled() bool { return c.enabled }

// PrepareData evaluates the collector's data definition against the
// merged runtime scope plus overlay and returns the resulting points:
// the (a) field-map shape always yields exactly one point; the (b)
// single-expression shape yields one point if it evaluates to a
// mapping, or one point per element if it evaluates to a list of
// mappings. Each point gets a "time" field filled in if absent, and is
// appended to the bounded history ring buffer.
func (c *BaseCollector) PrepareData(overlay yamcexpr.Scope) ([]map[string]any, error) {
	scope := c.scopeFn().Merge(overlay)

	var points []map[string]any
	if c.dataDef.Expr != nil {
		v, err := c.dataDef.Expr.Eval(scope)
		if err != nil {
			return nil, err
		}
		switch r := v.(type) {
		case map[string]any:
			points = []map[string]any{r}
		case []any:
			for _, item := range r {
				if m, ok := item.(map[string]any); ok {
					points = append(points, m)
				} else {
					points = append(points, map[string]any{"value": item})
				}
			}
		case []map[string]any:
			points = r
		default:
			points = []map[string]any{{"value": v}}
		}
	} else {
		evaluated, err := yamcexpr.DeepEval(map[string]any(c.dataDef.Fields), scope, true, nil)
		if err != nil {
			return nil, err
		}
		if m, ok := evaluated.(map[string]any); ok {
			points = []map[string]any{m}
		}
	}

	if points == nil {
		points = []map[string]any{{}}
	}

	c.mu.Lock()
	for _, point := range points {
		if _, ok := point["time"]; !ok {
			point["time"] = nowUnix()
		}
		c.history = append(c.history, point)
	}
	if len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
	c.mu.Unlock()

	return points, nil
}

// History returns the collector's bounded ring buffer of past points.
func (c *BaseCollector) History() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.history))
	copy(out, c.history)
	return out
}

// Write dispatches every point to every resolved writer, in production
// order, evaluating each writer's per-collector overlay against scope
// (merged with {data: point}) before handing the envelope over. Points
// from a single Write call reach a given writer in the order given
// here.
func (c *BaseCollector) Write(points []map[string]any, overlay yamcexpr.Scope) {
	for _, point := range points {
		c.writeOne(point, overlay)
	}
}

func (c *BaseCollector) writeOne(point map[string]any, overlay yamcexpr.Scope) {
	scope := c.scopeFn().Merge(overlay, yamcexpr.Scope{"data": point})
	for _, rw := range c.writers {
		var cfg map[string]any
		if rw.Overlay != nil {
			evaluated, err := yamcexpr.DeepEval(map[string]any(rw.Overlay), scope, false, func(err error) {
				c.log.Error("writer overlay evaluation failed", "collector", c.id, "error", err)
			})
			cfg, _ = evaluated.(map[string]any)
		}
		rw.Writer.Write(writer.Envelope{
			CollectorID:  c.id,
			Data:         point,
			WriterConfig: cfg,
		})
	}
}
