package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: slog.LevelInfo, NoAnsi: true, Out: &buf})
	named := log.Named("collector1")
	named.Info("tick complete", "count", 3)

	line := buf.String()
	require.NotEmpty(t, line)
	assert.Contains(t, line, "[collector1]")
	assert.Contains(t, line, "[I]")
	assert.Contains(t, line, "tick complete")
	assert.Contains(t, line, "count=3")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: slog.LevelWarn, NoAnsi: true, Out: &buf})
	log.Info("should be dropped")
	assert.Empty(t, buf.String())

	log.Warn("should appear")
	assert.Contains(t, buf.String(), "[W]")
}

func TestTraceBelowDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: LevelTrace, NoAnsi: true, Out: &buf})
	log.Trace("fine detail")
	assert.Contains(t, buf.String(), "[T]")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("trace"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.True(t, strings.EqualFold("info", "INFO"))
}
