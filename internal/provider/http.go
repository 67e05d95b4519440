package provider

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/tomvit/yamc-go/internal/errs"
	"github.com/tomvit/yamc-go/internal/telemetry"
)

// HTTPProvider fetches a document over HTTP, caching the body for
// maxAge before refetching. An optional initURL warm-up request fires
// once before the first real fetch; transport errors and any status
// >= 400 other than 404 are tried up to 3 times spaced 1s apart, a 404
// aborts immediately, and exhausted attempts abort with a transient
// error.
type HTTPProvider struct {
	BaseProvider

	client  *http.Client
	url     string
	initURL string
	maxAge  time.Duration

	mu        sync.Mutex
	lastFetch time.Time
	warmedUp  bool
	lastBody  []byte
}

// NewHTTPProvider constructs an HTTPProvider.
func NewHTTPProvider(base BaseProvider, url, initURL string, maxAge time.Duration) *HTTPProvider {
	return &HTTPProvider{
		BaseProvider: base,
		client:       &http.Client{Timeout: 30 * time.Second},
		url:          url,
		initURL:      initURL,
		maxAge:       maxAge,
	}
}

// update refetches the document if this is the first call, no document
// is cached yet, or MaxAge has elapsed since the last successful fetch.
func (p *HTTPProvider) update() ([]byte, error) {
	_, span := telemetry.Tracer("yamc/provider").Start(context.Background(), "provider.update")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastBody != nil && time.Since(p.lastFetch) <= p.maxAge {
		return p.lastBody, nil
	}

	if p.initURL != "" && !p.warmedUp {
		// Best-effort warm-up: some endpoints require a prior request to
		// establish session state before the real fetch succeeds.
		if resp, err := p.client.Get(p.initURL); err == nil {
			resp.Body.Close()
		}
		p.warmedUp = true
	}

	var body []byte
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := p.client.Get(p.url)
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, errs.NewData("http provider", fmt.Errorf("%s does not exist", p.url))
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s returned status %d", p.url, resp.StatusCode)
			time.Sleep(time.Second)
			continue
		}
		buf, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			time.Sleep(time.Second)
			continue
		}
		body = buf
		lastErr = nil
		break
	}

	if lastErr != nil {
		return nil, errs.NewHealthCheck("http provider", fmt.Errorf("cannot retrieve %s: %w", p.url, lastErr))
	}

	p.lastBody = body
	p.lastFetch = time.Now()
	return body, nil
}

// XMLProvider parses its HTTP source as XML and answers XPath queries
// against it.
type XMLProvider struct {
	*HTTPProvider
}

// NewXMLProvider wraps an HTTPProvider with XPath query support.
func NewXMLProvider(h *HTTPProvider) *XMLProvider {
	return &XMLProvider{HTTPProvider: h}
}

// XPath evaluates path against the current document, optionally
// running the result through Diff when diff is true (for monotonic
// counters exposed as XML text).
func (x *XMLProvider) XPath(path string, diff bool) (any, error) {
	// Find panics on a malformed query; compiling first turns an
	// operator typo in config into a Data error instead.
	if _, err := xpath.Compile(path); err != nil {
		return nil, errs.NewData("xml provider", fmt.Errorf("invalid xpath %q: %w", path, err))
	}
	body, err := x.update()
	if err != nil {
		return nil, err
	}
	doc, err := xmlquery.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, errs.NewData("xml provider", err)
	}
	nodes := xmlquery.Find(doc, path)
	if len(nodes) == 0 {
		return nil, errs.NewData("xml provider", fmt.Errorf("xpath %q matched nothing", path))
	}
	text := strings.TrimSpace(nodes[0].InnerText())
	return coerceXPathValue(text, path, diff, x.Diff)
}

func coerceXPathValue(text, id string, diff bool, diffFn func(string, float64) float64) (any, error) {
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		if diff {
			return diffFn(id, f), nil
		}
		return f, nil
	}
	return text, nil
}

// CSVProvider parses its HTTP source as CSV and answers field lookups
// by row index and column header.
type CSVProvider struct {
	*HTTPProvider
	delimiter rune
}

// NewCSVProvider wraps an HTTPProvider with CSV field lookup support.
func NewCSVProvider(h *HTTPProvider, delimiter rune) *CSVProvider {
	if delimiter == 0 {
		delimiter = ','
	}
	return &CSVProvider{HTTPProvider: h, delimiter: delimiter}
}

// Field returns the value at rowIndex (0-based, header excluded) under
// the column named name.
func (c *CSVProvider) Field(rowIndex int, name string) (any, error) {
	body, err := c.update()
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(string(body)))
	r.Comma = c.delimiter
	records, err := r.ReadAll()
	if err != nil {
		return nil, errs.NewData("csv provider", err)
	}
	if len(records) < 2 {
		return nil, errs.NewData("csv provider", fmt.Errorf("no data rows"))
	}
	header := records[0]
	col := -1
	for i, h := range header {
		if h == name {
			col = i
			break
		}
	}
	if col == -1 {
		return nil, errs.NewData("csv provider", fmt.Errorf("column %q not found", name))
	}
	if rowIndex+1 >= len(records) {
		return nil, errs.NewData("csv provider", fmt.Errorf("row %d out of range", rowIndex))
	}
	return records[rowIndex+1][col], nil
}
