package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvit/yamc-go/internal/config"
	"github.com/tomvit/yamc-go/internal/logging"
)

func testLogger() logging.Logger {
	return logging.New(logging.Options{})
}

func testConfig() *config.Config {
	return &config.Config{
		Test: true,
		Writers: []config.ComponentSpec{
			{ID: "cache1", Class: "RedisCacheWriter", Values: map[string]any{
				"class": "RedisCacheWriter",
				"url":   "redis://localhost:6379/0",
			}},
		},
		Collectors: []config.ComponentSpec{
			{ID: "col1", Class: "CronCollector", Values: map[string]any{
				"class":    "CronCollector",
				"schedule": "* * * * *",
				"data":     map[string]any{"v": 1},
				"writers":  []any{"cache1"},
			}},
		},
	}
}

func TestNewBuildsWritersAndCollectors(t *testing.T) {
	rt, err := New(testLogger(), testConfig())
	require.NoError(t, err)
	assert.Len(t, rt.writers, 1)
	assert.Len(t, rt.collectors, 1)
}

func TestNewRejectsUnknownWriterClass(t *testing.T) {
	cfg := &config.Config{
		Test: true,
		Writers: []config.ComponentSpec{
			{ID: "bad", Class: "NoSuchWriter", Values: map[string]any{"class": "NoSuchWriter"}},
		},
	}
	_, err := New(testLogger(), cfg)
	assert.Error(t, err)
}

func TestScopeMergesProvidersAndFuncTables(t *testing.T) {
	cfg := &config.Config{
		Test: true,
		Providers: []config.ComponentSpec{
			{ID: "ev1", Class: "EventProvider", Values: map[string]any{"class": "EventProvider"}},
		},
	}
	rt, err := New(testLogger(), cfg, map[string]any{"double": func(x int) int { return x * 2 }})
	require.NoError(t, err)

	scope := rt.Scope()
	assert.Contains(t, scope, "ev1")
	assert.Contains(t, scope, "double")
}

func TestShutdownStopsAndJoinsWorkers(t *testing.T) {
	rt, err := New(testLogger(), testConfig())
	require.NoError(t, err)

	rt.StartAll()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rt.Shutdown(ctx)

	assert.True(t, rt.exit.Triggered())
}
