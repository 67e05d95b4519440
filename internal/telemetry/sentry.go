package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig is the subset of configuration Sentry initialization
// needs; DSN empty means Sentry stays disabled and component.Recover's
// capture calls become no-ops (sentry-go itself no-ops against an
// uninitialized hub).
type SentryConfig struct {
	DSN            string
	Environment    string
	ServiceName    string
	ServiceVersion string
}

// SetupSentry initializes the Sentry SDK. No-ops if DSN is empty.
func SetupSentry(cfg SentryConfig) error {
	if cfg.DSN == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.ServiceName + "@" + cfg.ServiceVersion,
		TracesSampleRate: 0.2,
	}); err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	return nil
}

// SentryFlush flushes buffered events before process exit.
func SentryFlush() {
	sentry.Flush(2 * time.Second)
}
