package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tomvit/yamc-go/internal/errs"
)

// PushoverWriter sends a push notification per collector per batch.
// A notification is a single form-encoded POST, so it uses net/http
// directly; everything else follows BaseWriter like any other sink.
type PushoverWriter struct {
	appToken     string
	userToken    string
	pushoverHost string
	pushoverURL  string
	client       *http.Client
}

// NewPushoverWriter constructs the Pushover sink.
func NewPushoverWriter(appToken, userToken, host, apiURL string) *PushoverWriter {
	if host == "" {
		host = "api.pushover.net"
	}
	if apiURL == "" {
		apiURL = "https://api.pushover.net/1/messages.json"
	}
	return &PushoverWriter{
		appToken:     appToken,
		userToken:    userToken,
		pushoverHost: host,
		pushoverURL:  apiURL,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Healthcheck opens a raw TCP connection to the Pushover host on 443,
// a lighter probe than a full HTTP round trip.
func (w *PushoverWriter) Healthcheck(ctx context.Context) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(w.pushoverHost, "443"))
	if err != nil {
		return errs.NewHealthCheck("pushover writer", err)
	}
	conn.Close()
	return nil
}

// DoWrite groups the batch by CollectorID, keeping only the last item
// seen for each, and POSTs one notification per collector whose
// writer-config overlay explicitly set do_push truthy. Notifications
// are opt-in per point: a missing do_push suppresses the push, so a
// collector only alerts when its overlay expression decides to.
func (w *PushoverWriter) DoWrite(ctx context.Context, batch []Envelope) error {
	last := map[string]Envelope{}
	order := []string{}
	for _, env := range batch {
		if _, ok := last[env.CollectorID]; !ok {
			order = append(order, env.CollectorID)
		}
		last[env.CollectorID] = env
	}

	for _, id := range order {
		env := last[id]
		if doPush, _ := env.WriterConfig["do_push"].(bool); !doPush {
			continue
		}
		if err := w.push(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (w *PushoverWriter) push(ctx context.Context, env Envelope) error {
	message, _ := env.WriterConfig["message"].(string)
	if message == "" {
		body, _ := json.Marshal(env.Data)
		message = string(body)
	}
	title, _ := env.WriterConfig["title"].(string)
	if title == "" {
		title = env.CollectorID
	}

	form := url.Values{
		"token":   {w.appToken},
		"user":    {w.userToken},
		"title":   {title},
		"message": {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushoverURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return errs.NewData("pushover writer", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.client.Do(req)
	if err != nil {
		return errs.NewHealthCheck("pushover writer", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errs.NewHealthCheck("pushover writer", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errs.NewData("pushover writer", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
