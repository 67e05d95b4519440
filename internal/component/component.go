// Package component defines the lifecycle every provider, collector, and
// writer in this agent shares: construct, start, join, destroy.
package component

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tomvit/yamc-go/internal/logging"
)

// Component is the minimal identity every provider/collector/writer exposes.
// Its Id doubles as the writer-resolution key collectors use and as the
// logger name each component is given.
type Component interface {
	ID() string
	Enabled() bool
}

// ExitSignal is the one-way shutdown latch every worker's waits observe.
// It is created once by the runtime and threaded into every component.
type ExitSignal struct {
	ch   chan struct{}
	once sync.Once
}

// NewExitSignal returns a fresh, open ExitSignal.
func NewExitSignal() *ExitSignal {
	return &ExitSignal{ch: make(chan struct{})}
}

// Done returns a channel that closes exactly once, when Trigger is called.
func (s *ExitSignal) Done() <-chan struct{} {
	return s.ch
}

// Trigger closes the signal. Safe to call more than once or concurrently.
func (s *ExitSignal) Trigger() {
	s.once.Do(func() { close(s.ch) })
}

// Triggered reports whether Trigger has already been called.
func (s *ExitSignal) Triggered() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the exit signal fires or d elapses, whichever is
// first. It returns true if the exit signal fired. d <= 0 waits only
// for the exit signal.
func (s *ExitSignal) Wait(d time.Duration) bool {
	if d <= 0 {
		<-s.ch
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ch:
		return true
	case <-t.C:
		return false
	}
}

// Worker is implemented by any component that owns a background goroutine.
type Worker interface {
	Component
	// Start spawns the component's worker goroutine. It must return
	// immediately; the goroutine itself observes exit.Done().
	Start(exit *ExitSignal)
	// Join blocks until the worker goroutine has returned.
	Join()
}

// Run wraps fn as a worker goroutine body: it recovers from panics,
// logs them, reports them to Sentry, and always signals done before
// returning so callers using a sync.WaitGroup never hang on a panicking
// worker.
func Run(log logging.Logger, name string, done *sync.WaitGroup, fn func()) {
	done.Add(1)
	go func() {
		defer done.Done()
		defer Recover(log, name)
		fn()
	}()
}

// Recover is deferred directly inside a worker goroutine body to catch
// a panic, log it with a stack trace, and forward it to Sentry. It does
// not re-panic: a single misbehaving worker must not take the process
// down with it.
func Recover(log logging.Logger, name string) {
	if r := recover(); r != nil {
		log.Error("worker panic recovered",
			"component", name,
			"error", r,
			"stack", string(debug.Stack()),
		)
		sentry.CurrentHub().Recover(r)
	}
}
