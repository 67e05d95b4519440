// Package provider implements pull providers (HTTP+XML, HTTP+CSV, SQL)
// and event providers (MQTT) — the data sources collectors read from.
package provider

import (
	"sync"

	"github.com/tomvit/yamc-go/internal/component"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
	"github.com/tomvit/yamc-go/internal/logging"
)

// Provider is any component collectors can query through the scope.
type Provider interface {
	component.Component
}

// BaseProvider supplies the Diff helper every concrete pull provider
// embeds: the running delta between the current and previous call's
// value for a given counter id. scopeFn gives a provider read access
// to the rest of the runtime's scope (e.g. to call a registered custom
// function) without the provider package importing internal/runtime —
// the runtime hands every component a closure instead of itself,
// keeping the dependency one-directional.
type BaseProvider struct {
	id      string
	enabled bool
	log     logging.Logger
	scopeFn func() yamcexpr.Scope

	mu    sync.Mutex
	prior map[string]float64
}

// NewBaseProvider constructs the shared provider state.
func NewBaseProvider(id string, enabled bool, log logging.Logger, scopeFn func() yamcexpr.Scope) BaseProvider {
	return BaseProvider{
		id:      id,
		enabled: enabled,
		log:     log,
		scopeFn: scopeFn,
		prior:   make(map[string]float64),
	}
}

func (p *BaseProvider) ID() string          { return p.id }
func (p *BaseProvider) Enabled() bool       { return p.enabled }
func (p *BaseProvider) Log() logging.Logger { return p.log }
func (p *BaseProvider) Scope() yamcexpr.Scope {
	if p.scopeFn == nil {
		return yamcexpr.Scope{}
	}
	return p.scopeFn()
}

// Diff returns value minus the previous call's value for id. The first
// observation of a given id returns 0, since there is no prior sample
// to compare against.
func (p *BaseProvider) Diff(id string, value float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.prior[id]
	p.prior[id] = value
	if !ok {
		return 0
	}
	return value - prev
}
