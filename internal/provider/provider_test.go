package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvit/yamc-go/internal/errs"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
	"github.com/tomvit/yamc-go/internal/logging"
)

func testLogger() logging.Logger {
	return logging.New(logging.Options{Out: discardWriter{}})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDiffFirstCallReturnsZero(t *testing.T) {
	base := NewBaseProvider("p1", true, testLogger(), nil)
	assert.Equal(t, float64(0), base.Diff("counter", 100))
}

func TestDiffReturnsDelta(t *testing.T) {
	base := NewBaseProvider("p1", true, testLogger(), nil)
	base.Diff("counter", 100)
	assert.Equal(t, float64(50), base.Diff("counter", 150))
}

func TestScopeDefaultsEmpty(t *testing.T) {
	base := NewBaseProvider("p1", true, testLogger(), nil)
	assert.Equal(t, yamcexpr.Scope{}, base.Scope())
}

func TestXMLProviderXPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<root><cpu><load>1.25</load></cpu></root>`))
	}))
	defer srv.Close()

	base := NewBaseProvider("xml1", true, testLogger(), nil)
	p := NewXMLProvider(NewHTTPProvider(base, srv.URL, "", time.Minute))

	v, err := p.XPath("//cpu/load", false)
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)

	_, err = p.XPath("//missing/node", false)
	assert.True(t, errs.IsData(err))

	_, err = p.XPath("//unbalanced[", false)
	assert.True(t, errs.IsData(err), "a malformed query is a data error, not a panic")
}

func TestXMLProviderXPathDiff(t *testing.T) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if counter.Add(1) == 1 {
			w.Write([]byte(`<c><v>100</v></c>`))
		} else {
			w.Write([]byte(`<c><v>137</v></c>`))
		}
	}))
	defer srv.Close()

	base := NewBaseProvider("xml1", true, testLogger(), nil)
	p := NewXMLProvider(NewHTTPProvider(base, srv.URL, "", 0))

	first, err := p.XPath("//c/v", true)
	require.NoError(t, err)
	assert.Equal(t, float64(0), first)

	second, err := p.XPath("//c/v", true)
	require.NoError(t, err)
	assert.Equal(t, float64(37), second)
}

func TestHTTPProviderCachesWithinMaxAge(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`<r><v>1</v></r>`))
	}))
	defer srv.Close()

	base := NewBaseProvider("xml1", true, testLogger(), nil)
	p := NewXMLProvider(NewHTTPProvider(base, srv.URL, "", time.Hour))

	for i := 0; i < 3; i++ {
		_, err := p.XPath("//r/v", false)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load(), "repeated queries within max_age reuse the cached document")
}

func TestHTTPProviderNotFoundIsDataError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	base := NewBaseProvider("xml1", true, testLogger(), nil)
	p := NewXMLProvider(NewHTTPProvider(base, srv.URL, "", 0))

	_, err := p.XPath("//r", false)
	assert.True(t, errs.IsData(err))
}

func TestCSVProviderField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("host,load\nweb1,0.5\nweb2,1.5\n"))
	}))
	defer srv.Close()

	base := NewBaseProvider("csv1", true, testLogger(), nil)
	p := NewCSVProvider(NewHTTPProvider(base, srv.URL, "", time.Minute), ',')

	v, err := p.Field(1, "load")
	require.NoError(t, err)
	assert.Equal(t, "1.5", v)

	_, err = p.Field(0, "missing")
	assert.True(t, errs.IsData(err))

	_, err = p.Field(9, "load")
	assert.True(t, errs.IsData(err))
}

func TestEventProviderDispatchAndSelect(t *testing.T) {
	base := NewBaseProvider("events1", true, testLogger(), nil)
	ep := NewEventProvider(base, 10)
	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Event, 1)
	require.NoError(t, ep.Subscribe(ctx, "sensor.temp", func(ev *Event) {
		received <- ev
	}))

	require.NoError(t, ep.Dispatch("sensor.temp", map[string]any{"value": 21.5}))

	select {
	case ev := <-received:
		assert.Equal(t, 21.5, ev.Data()["value"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was never notified")
	}

	matches := ep.Select(true, "sensor\\..*")
	require.Len(t, matches, 1)
	assert.Equal(t, "sensor.temp", matches[0].ID)
}

func TestEventHistoryBounded(t *testing.T) {
	ev := newEvent("e1", 2)
	ev.Update(map[string]any{"n": 1})
	ev.Update(map[string]any{"n": 2})
	ev.Update(map[string]any{"n": 3})
	hist := ev.History()
	require.Len(t, hist, 2)
	assert.Equal(t, 2, hist[0]["n"])
	assert.Equal(t, 3, hist[1]["n"])
}
