// Package runtime wires a loaded configuration into live providers,
// writers, and collectors, and drives their shared start/join/destroy
// lifecycle. It is the only package that imports provider, writer, and
// collector together — every other package reaches a sibling only
// through the component/expr/logging/errs layer, avoiding the import
// cycle a direct runtime back-reference from those packages would
// create.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomvit/yamc-go/internal/collector"
	"github.com/tomvit/yamc-go/internal/component"
	"github.com/tomvit/yamc-go/internal/config"
	"github.com/tomvit/yamc-go/internal/errs"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
	"github.com/tomvit/yamc-go/internal/logging"
	"github.com/tomvit/yamc-go/internal/provider"
	"github.com/tomvit/yamc-go/internal/writer"
)

// queryable is implemented by providers whose public accessors
// (XPath, Field, SQL, Select...) the scope exposes under their
// component id, so "!py http1.XPath(...)"-style calls resolve.
type queryable interface {
	component.Component
}

// Runtime holds every constructed component, keyed by id, plus the
// merged expression scope every collector and config overlay evaluates
// against.
type Runtime struct {
	log logging.Logger

	funcTables []yamcexpr.FuncTable

	providers  map[string]queryable
	writers    map[string]writer.Writer
	collectors map[string]component.Worker

	exit *component.ExitSignal
	wg   sync.WaitGroup
}

// New builds every provider, writer, and collector named in cfg, wiring
// writer references and scope closures as it goes. Writers are built
// first (collectors resolve them by id at construction time), then
// providers (collectors' scope closure needs them live), then
// collectors.
func New(log logging.Logger, cfg *config.Config, funcTables ...yamcexpr.FuncTable) (*Runtime, error) {
	rt := &Runtime{
		log:        log,
		funcTables: funcTables,
		providers:  map[string]queryable{},
		writers:    map[string]writer.Writer{},
		collectors: map[string]component.Worker{},
		exit:       component.NewExitSignal(),
	}

	for _, spec := range cfg.Writers {
		w, err := rt.buildWriter(spec, cfg)
		if err != nil {
			return nil, err
		}
		if w != nil {
			rt.writers[spec.ID] = w
		}
	}

	for _, spec := range cfg.Providers {
		p, err := rt.buildProvider(spec)
		if err != nil {
			return nil, err
		}
		if p != nil {
			rt.providers[spec.ID] = p
		}
	}

	for _, spec := range cfg.Collectors {
		c, err := rt.buildCollector(spec)
		if err != nil {
			return nil, err
		}
		if c != nil {
			rt.collectors[spec.ID] = c
		}
	}

	return rt, nil
}

// Scope returns the merged view every expression evaluates against:
// every live provider, writer, and collector keyed by its id (so
// "!py http1.XPath(...)" or "!py c1.History()" style calls resolve),
// plus every registered custom function table.
func (rt *Runtime) Scope() yamcexpr.Scope {
	s := yamcexpr.Scope{}
	for id, p := range rt.providers {
		s[id] = p
	}
	for id, w := range rt.writers {
		s[id] = w
	}
	for id, c := range rt.collectors {
		s[id] = c
	}
	for _, ft := range rt.funcTables {
		for name, fn := range ft {
			s[name] = fn
		}
	}
	return s
}

func (rt *Runtime) part(spec config.ComponentSpec) config.Part {
	return config.Part{ID: spec.ID, Values: spec.Values, Scope: rt.Scope()}
}

// StartAll starts every writer, provider, and collector worker, in
// that order, so a collector's first tick always finds its writers and
// providers already running. Start itself is called directly (it
// returns at once by contract); only each component's Join is wrapped
// in component.Run, so a panic inside Join is recovered and logged
// rather than taking the whole process down. The WaitGroup
// component.Run adds to is what JoinAll blocks on, and since the
// wrapped function is Join, that wait genuinely lasts until the
// component's own worker goroutine has returned — not just until
// Start's (non-blocking, near-instant) call returns.
func (rt *Runtime) StartAll() {
	for id, w := range rt.writers {
		rt.log.Info("starting writer", "id", id)
		w.Start(rt.exit)
		component.Run(rt.log, id, &rt.wg, w.Join)
	}
	for id, p := range rt.providers {
		if starter, ok := p.(component.Worker); ok {
			rt.log.Info("starting provider", "id", id)
			starter.Start(rt.exit)
			component.Run(rt.log, id, &rt.wg, starter.Join)
		}
	}
	for id, c := range rt.collectors {
		rt.log.Info("starting collector", "id", id)
		c.Start(rt.exit)
		component.Run(rt.log, id, &rt.wg, c.Join)
	}
}

// Stop signals every worker's shared exit latch.
func (rt *Runtime) Stop() {
	rt.exit.Trigger()
}

// JoinAll blocks until every started worker goroutine has returned.
func (rt *Runtime) JoinAll() {
	rt.wg.Wait()
}

// DestroyAll releases component resources in reverse build order
// (collectors first, writers last) since a provider outliving its
// collectors is harmless but a writer closing before a collector's
// final flush is not.
func (rt *Runtime) DestroyAll() {
	for id, c := range rt.collectors {
		if j, ok := c.(interface{ Join() }); ok {
			j.Join()
		}
		rt.log.Debug("collector destroyed", "id", id)
	}
	for id, p := range rt.providers {
		switch closer := p.(type) {
		case interface{ Close() error }:
			_ = closer.Close()
		case interface{ Close() }:
			closer.Close()
		}
		rt.log.Debug("provider destroyed", "id", id)
	}
	for id, w := range rt.writers {
		if closer, ok := w.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		rt.log.Debug("writer destroyed", "id", id)
	}
}

// Option structs for the concrete component kinds, validated with
// go-playground struct tags after the Part accessors have evaluated any
// !py expressions in the raw values.
type influxOptions struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token" validate:"required"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
}

type pushoverOptions struct {
	AppToken  string `yaml:"app_token" validate:"required"`
	UserToken string `yaml:"user_token" validate:"required"`
	URL       string `yaml:"url" validate:"omitempty,url"`
}

type mqttOptions struct {
	Broker string `yaml:"broker" validate:"required,uri"`
}

// validated folds struct-tag validation failures into the ConfigError
// the caller returns, field messages included.
func validated(id string, opts any) error {
	if err := config.Validate(opts); err != nil {
		return errs.NewConfig(id, fmt.Errorf("invalid configuration: %v", config.FormatValidationErrors(err)))
	}
	return nil
}

func (rt *Runtime) buildWriter(spec config.ComponentSpec, cfg *config.Config) (writer.Writer, error) {
	part := rt.part(spec)
	wlog := rt.log.Named(spec.ID)

	writeInterval, err := part.Int("write_interval", 10, 0, 0)
	if err != nil {
		return nil, err
	}
	healthInterval, err := part.Int("healthcheck_interval", 20, 0, 0)
	if err != nil {
		return nil, err
	}
	batchSize, err := part.Int("batch_size", 100, 0, 0)
	if err != nil {
		return nil, err
	}
	queueCap, err := part.Int("queue_capacity", 10000, 0, 0)
	if err != nil {
		return nil, err
	}
	enabled, err := part.Bool("enabled", true)
	if err != nil {
		return nil, err
	}

	if !enabled {
		wlog.Info("writer disabled, skipping")
		return nil, nil
	}

	wcfg := writer.Config{
		WriteInterval:       time.Duration(writeInterval) * time.Second,
		HealthcheckInterval: time.Duration(healthInterval) * time.Second,
		BatchSize:           batchSize,
		QueueCapacity:       queueCap,
		DataDir:             cfg.Directories.Data,
		Test:                cfg.Test,
	}

	var sink writer.Sink
	switch spec.Class {
	case "InfluxDBWriter":
		url, err := part.RequiredString("url")
		if err != nil {
			return nil, err
		}
		token, err := part.RequiredString("token")
		if err != nil {
			return nil, err
		}
		org, err := part.RequiredString("org")
		if err != nil {
			return nil, err
		}
		bucket, err := part.RequiredString("bucket")
		if err != nil {
			return nil, err
		}
		if err := validated(spec.ID, influxOptions{URL: url, Token: token, Org: org, Bucket: bucket}); err != nil {
			return nil, err
		}
		sink = writer.NewInfluxDBWriter(url, token, org, bucket)
	case "PushoverWriter":
		appToken, err := part.RequiredString("app_token")
		if err != nil {
			return nil, err
		}
		userToken, err := part.RequiredString("user_token")
		if err != nil {
			return nil, err
		}
		host, err := part.String("host", "api.pushover.net")
		if err != nil {
			return nil, err
		}
		apiURL, err := part.String("url", "https://api.pushover.net/1/messages.json")
		if err != nil {
			return nil, err
		}
		if err := validated(spec.ID, pushoverOptions{AppToken: appToken, UserToken: userToken, URL: apiURL}); err != nil {
			return nil, err
		}
		sink = writer.NewPushoverWriter(appToken, userToken, host, apiURL)
	case "RedisCacheWriter":
		redisURL, err := part.RequiredString("url")
		if err != nil {
			return nil, err
		}
		keyFmt, err := part.String("key", "yamc:%s")
		if err != nil {
			return nil, err
		}
		rw, err := writer.NewRedisCacheWriter(redisURL, keyFmt)
		if err != nil {
			return nil, errs.NewConfig(spec.ID, err)
		}
		sink = rw
	default:
		return nil, errs.NewConfig(spec.ID, fmt.Errorf("unknown writer class %q", spec.Class))
	}

	return writer.New(spec.ID, enabled, wlog, sink, wcfg), nil
}

func (rt *Runtime) buildProvider(spec config.ComponentSpec) (queryable, error) {
	part := rt.part(spec)
	plog := rt.log.Named(spec.ID)

	enabled, err := part.Bool("enabled", true)
	if err != nil {
		return nil, err
	}
	scopeFn := func() yamcexpr.Scope { return rt.Scope() }
	base := provider.NewBaseProvider(spec.ID, enabled, plog, scopeFn)

	switch spec.Class {
	case "HTTPProvider":
		url, err := part.RequiredString("url")
		if err != nil {
			return nil, err
		}
		initURL, err := part.String("init_url", "")
		if err != nil {
			return nil, err
		}
		maxAge, err := part.Int("max_age", 0, 0, 0)
		if err != nil {
			return nil, err
		}
		return provider.NewHTTPProvider(base, url, initURL, time.Duration(maxAge)*time.Second), nil
	case "XMLProvider":
		url, err := part.RequiredString("url")
		if err != nil {
			return nil, err
		}
		initURL, err := part.String("init_url", "")
		if err != nil {
			return nil, err
		}
		maxAge, err := part.Int("max_age", 0, 0, 0)
		if err != nil {
			return nil, err
		}
		h := provider.NewHTTPProvider(base, url, initURL, time.Duration(maxAge)*time.Second)
		return provider.NewXMLProvider(h), nil
	case "CSVProvider":
		url, err := part.RequiredString("url")
		if err != nil {
			return nil, err
		}
		initURL, err := part.String("init_url", "")
		if err != nil {
			return nil, err
		}
		maxAge, err := part.Int("max_age", 0, 0, 0)
		if err != nil {
			return nil, err
		}
		delim, err := part.String("delimiter", ",")
		if err != nil {
			return nil, err
		}
		h := provider.NewHTTPProvider(base, url, initURL, time.Duration(maxAge)*time.Second)
		r := []rune(delim)
		sep := ','
		if len(r) > 0 {
			sep = r[0]
		}
		return provider.NewCSVProvider(h, sep), nil
	case "DBProvider":
		connstr, err := part.RequiredString("connstr")
		if err != nil {
			return nil, err
		}
		sqlDir, err := part.String("sql_files_dir", ".")
		if err != nil {
			return nil, err
		}
		reconnectAfter, err := part.Int("reconnect_after", 3600, 0, 0)
		if err != nil {
			return nil, err
		}
		return provider.NewDBProvider(base, connstr, sqlDir, time.Duration(reconnectAfter)*time.Second), nil
	case "EventProvider":
		maxHistory, err := part.Int("max_history", 120, 0, 0)
		if err != nil {
			return nil, err
		}
		return provider.NewEventProvider(base, maxHistory), nil
	case "MQTTProvider":
		broker, err := part.RequiredString("broker")
		if err != nil {
			return nil, err
		}
		if err := validated(spec.ID, mqttOptions{Broker: broker}); err != nil {
			return nil, err
		}
		clientID, err := part.String("client_id", "yamc-"+spec.ID)
		if err != nil {
			return nil, err
		}
		maxHistory, err := part.Int("max_history", 120, 0, 0)
		if err != nil {
			return nil, err
		}
		reconnectAfter, err := part.Int("reconnect_after", 30, 0, 0)
		if err != nil {
			return nil, err
		}
		var topics []string
		if list, ok := part.Values["topics"].([]any); ok {
			for _, t := range list {
				if s, ok := t.(string); ok {
					topics = append(topics, s)
				}
			}
		}
		return provider.NewMQTTProvider(base, maxHistory, broker, clientID, topics, time.Duration(reconnectAfter)*time.Second), nil
	default:
		return nil, errs.NewConfig(spec.ID, fmt.Errorf("unknown provider class %q", spec.Class))
	}
}

func (rt *Runtime) buildCollector(spec config.ComponentSpec) (component.Worker, error) {
	part := rt.part(spec)
	clog := rt.log.Named(spec.ID)

	enabled, err := part.Bool("enabled", true)
	if err != nil {
		return nil, err
	}
	maxHistory, err := part.Int("max_history", 120, 0, 0)
	if err != nil {
		return nil, err
	}

	var dataDef collector.DataDef
	if raw, ok := spec.Values["data"]; ok {
		if m, ok := raw.(map[string]any); ok {
			dataDef = collector.DataDef{Fields: m}
		} else if e, ok := raw.(*yamcexpr.Expression); ok {
			dataDef = collector.DataDef{Expr: e}
		}
	}

	var writerRefs []collector.WriterRef
	if raw, ok := spec.Values["writers"].([]any); ok {
		for _, item := range raw {
			switch v := item.(type) {
			case string:
				writerRefs = append(writerRefs, collector.WriterRef{WriterID: v})
			case map[string]any:
				id, _ := v["writer_id"].(string)
				overlay := make(map[string]any, len(v))
				for k, val := range v {
					if k != "writer_id" {
						overlay[k] = val
					}
				}
				writerRefs = append(writerRefs, collector.WriterRef{WriterID: id, Overlay: overlay})
			}
		}
	}

	scopeFn := func() yamcexpr.Scope { return rt.Scope() }
	resolve := func(id string) (writer.Writer, bool) {
		w, ok := rt.writers[id]
		return w, ok
	}

	base := collector.New(spec.ID, enabled, clog, scopeFn, dataDef, maxHistory, writerRefs, resolve)

	switch spec.Class {
	case "CronCollector":
		schedule, err := part.RequiredString("schedule")
		if err != nil {
			return nil, err
		}
		return collector.NewCronCollector(base, schedule)
	case "EventCollector":
		providerID, err := part.RequiredString("provider")
		if err != nil {
			return nil, err
		}
		p, ok := rt.providers[providerID]
		if !ok {
			return nil, errs.NewConfig(spec.ID, fmt.Errorf("references unknown provider %q", providerID))
		}
		source, ok := p.(collector.EventSource)
		if !ok {
			return nil, errs.NewConfig(spec.ID, fmt.Errorf("provider %q is not an event source", providerID))
		}
		var topics []string
		if raw, ok := spec.Values["topics"].([]any); ok {
			for _, t := range raw {
				if s, ok := t.(string); ok {
					topics = append(topics, s)
				}
			}
		}
		return collector.NewEventCollector(base, source, topics), nil
	default:
		return nil, errs.NewConfig(spec.ID, fmt.Errorf("unknown collector class %q", spec.Class))
	}
}

// Shutdown triggers exit, blocks until every worker joins (or ctx
// expires), and runs DestroyAll — the sequence cmd/yamc follows on
// SIGTERM/SIGINT.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.Stop()
	done := make(chan struct{})
	go func() {
		rt.JoinAll()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		rt.log.Warn("timed out waiting for workers to join")
	}
	rt.DestroyAll()
}
