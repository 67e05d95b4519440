package writer

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/tomvit/yamc-go/internal/errs"
)

// InfluxDBWriter writes batches as InfluxDB line-protocol points.
// When the per-collector writer-config overlay's "fields" key is a
// non-empty mapping, fields come from it and tags from its "tags" key
// (if any). Otherwise both are auto-classified from the raw data point
// (numeric values become fields, everything else becomes a tag), and an
// overlay "tags" key is not used.
type InfluxDBWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewInfluxDBWriter constructs the InfluxDB sink.
func NewInfluxDBWriter(url, token, org, bucket string) *InfluxDBWriter {
	client := influxdb2.NewClient(url, token)
	return &InfluxDBWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		org:      org,
		bucket:   bucket,
	}
}

// Healthcheck pings the InfluxDB server.
func (w *InfluxDBWriter) Healthcheck(ctx context.Context) error {
	ok, err := w.client.Ping(ctx)
	if err != nil || !ok {
		return errs.NewHealthCheck("influxdb writer", fmt.Errorf("ping: %w", err))
	}
	return nil
}

// DoWrite converts each envelope into a point measurement named after
// its CollectorID and writes the batch.
func (w *InfluxDBWriter) DoWrite(ctx context.Context, batch []Envelope) error {
	for _, env := range batch {
		fields, tags := w.fieldsAndTags(env)
		if len(fields) == 0 {
			continue
		}
		ts := time.Now()
		if t, ok := env.Data["time"]; ok {
			if unix, ok := toInt64(t); ok {
				ts = time.Unix(unix, 0)
			}
		}
		point := influxdb2.NewPoint(env.CollectorID, tags, fields, ts)
		if err := w.writeAPI.WritePoint(ctx, point); err != nil {
			return errs.NewHealthCheck("influxdb writer", err)
		}
	}
	return nil
}

func (w *InfluxDBWriter) fieldsAndTags(env Envelope) (map[string]any, map[string]string) {
	fields := map[string]any{}
	tags := map[string]string{}

	if cfgFields, ok := env.WriterConfig["fields"].(map[string]any); ok && len(cfgFields) > 0 {
		for k, v := range cfgFields {
			fields[k] = v
		}
		if cfgTags, ok := env.WriterConfig["tags"].(map[string]any); ok {
			for k, v := range cfgTags {
				tags[k] = fmt.Sprintf("%v", v)
			}
		}
		return fields, tags
	}

	for k, v := range env.Data {
		if k == "time" {
			continue
		}
		switch v.(type) {
		case int, int64, float64, float32:
			fields[k] = v
		default:
			tags[k] = fmt.Sprintf("%v", v)
		}
	}
	return fields, tags
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Close releases the client.
func (w *InfluxDBWriter) Close() {
	w.client.Close()
}
