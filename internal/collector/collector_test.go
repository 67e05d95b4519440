package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvit/yamc-go/internal/component"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
	"github.com/tomvit/yamc-go/internal/logging"
	"github.com/tomvit/yamc-go/internal/provider"
	"github.com/tomvit/yamc-go/internal/writer"
)

type fakeWriter struct {
	id       string
	received []writer.Envelope
}

func (f *fakeWriter) ID() string                  { return f.id }
func (f *fakeWriter) Enabled() bool               { return true }
func (f *fakeWriter) Start(*component.ExitSignal) {}
func (f *fakeWriter) Join()                       {}
func (f *fakeWriter) Write(e writer.Envelope)     { f.received = append(f.received, e) }

func testLogger() logging.Logger {
	return logging.New(logging.Options{})
}

func TestPrepareDataFieldMapFillsTime(t *testing.T) {
	e, err := yamcexpr.Compile("42")
	require.NoError(t, err)

	c := New("c1", true, testLogger(), func() yamcexpr.Scope { return yamcexpr.Scope{} },
		DataDef{Fields: map[string]any{"value": e}}, 120, nil, nil)

	points, err := c.PrepareData(yamcexpr.Scope{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 42, points[0]["value"])
	assert.NotNil(t, points[0]["time"])
}

func TestPrepareDataExpressionListYieldsMultiplePoints(t *testing.T) {
	e, err := yamcexpr.Compile(`[{v: 1}, {v: 2}]`)
	require.NoError(t, err)

	c := New("c1", true, testLogger(), func() yamcexpr.Scope { return yamcexpr.Scope{} },
		DataDef{Expr: e}, 120, nil, nil)

	points, err := c.PrepareData(yamcexpr.Scope{})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 1, points[0]["v"])
	assert.Equal(t, 2, points[1]["v"])
	assert.NotNil(t, points[0]["time"])
	assert.NotNil(t, points[1]["time"])
	assert.Len(t, c.History(), 2)
}

func TestWriteDispatchesToResolvedWriters(t *testing.T) {
	fw := &fakeWriter{id: "w1"}
	resolve := func(id string) (writer.Writer, bool) {
		if id == "w1" {
			return fw, true
		}
		return nil, false
	}

	c := New("c1", true, testLogger(), func() yamcexpr.Scope { return yamcexpr.Scope{} },
		DataDef{Fields: map[string]any{}}, 120,
		[]WriterRef{{WriterID: "w1"}, {WriterID: "missing"}}, resolve)

	require.Len(t, c.writers, 1, "unresolved writer refs are skipped")

	c.Write([]map[string]any{{"v": 1}}, yamcexpr.Scope{})
	require.Len(t, fw.received, 1)
	assert.Equal(t, "c1", fw.received[0].CollectorID)
}

func TestCronCollectorRejectsInvalidSchedule(t *testing.T) {
	c := New("c1", true, testLogger(), func() yamcexpr.Scope { return yamcexpr.Scope{} },
		DataDef{Fields: map[string]any{}}, 120, nil, nil)
	_, err := NewCronCollector(c, "not a schedule")
	assert.Error(t, err)
}

func TestEventCollectorFiresOnDispatch(t *testing.T) {
	base := provider.NewBaseProvider("ep1", true, testLogger(), nil)
	ep := provider.NewEventProvider(base, 10)
	defer ep.Close()

	fw := &fakeWriter{id: "w1"}
	resolve := func(id string) (writer.Writer, bool) { return fw, true }

	c := New("c1", true, testLogger(), func() yamcexpr.Scope { return yamcexpr.Scope{} },
		DataDef{Fields: map[string]any{}}, 120, []WriterRef{{WriterID: "w1"}}, resolve)

	ec := NewEventCollector(c, ep, []string{"topic1"})
	exit := component.NewExitSignal()
	ec.Start(exit)
	defer exit.Trigger()

	require.NoError(t, ep.Dispatch("topic1", map[string]any{"v": 1}))

	require.Eventually(t, func() bool {
		return len(fw.received) == 1
	}, time.Second, 10*time.Millisecond)
}
