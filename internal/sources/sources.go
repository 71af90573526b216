// Package sources fetches the upstream feeds. Each fetch runs under its own
// timeout; a failed source yields no alerts for the pass but never aborts it.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
)

// ErrUpstreamStatus is wrapped by fetch errors for non-200 responses
var ErrUpstreamStatus = errors.New("unexpected upstream status")

const (
	// DefaultTimeout bounds one source fetch
	DefaultTimeout = 15 * time.Second

	userAgent   = "ttc-incidents/1.0"
	maxBodySize = 16 << 20
)

// Fetcher fetches and normalizes one upstream feed. A feed may carry more
// than one source, as the live payload carries elevator alerts.
type Fetcher interface {
	Name() string
	Sources() []model.Source
	Fetch(ctx context.Context, now time.Time) ([]model.Alert, error)
}

// Result is one source's outcome for a pass
type Result struct {
	Source model.Source
	Alerts []model.Alert
	Err    error
}

// FetchAll runs every fetcher concurrently, each bounded by timeout, and
// splits their alerts per source. Results follow fetcher order.
func FetchAll(ctx context.Context, fetchers []Fetcher, timeout time.Duration, now time.Time, log logrus.FieldLogger) []Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	type outcome struct {
		alerts []model.Alert
		err    error
	}
	outcomes := make([]outcome, len(fetchers))

	var wg sync.WaitGroup
	for i, f := range fetchers {
		wg.Add(1)
		go func(i int, f Fetcher) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			alerts, err := f.Fetch(fctx, now)
			entry := log.WithFields(logrus.Fields{"fetcher": f.Name(), "duration": time.Since(start).Round(time.Millisecond)})
			if err != nil {
				entry.WithError(err).Warn("source fetch failed")
			} else {
				entry.WithField("alerts", len(alerts)).Debug("source fetched")
			}
			outcomes[i] = outcome{alerts: alerts, err: err}
		}(i, f)
	}
	wg.Wait()

	var results []Result
	for i, f := range fetchers {
		o := outcomes[i]
		for _, source := range f.Sources() {
			r := Result{Source: source, Err: o.err}
			if o.err == nil {
				r.Alerts = bySource(o.alerts, source)
			}
			results = append(results, r)
		}
	}
	return results
}

func bySource(alerts []model.Alert, source model.Source) []model.Alert {
	out := make([]model.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Source == source {
			out = append(out, a)
		}
	}
	return out
}

// httpClient is the shared GET helper of the upstream clients
type httpClient struct {
	client  *http.Client
	log     logrus.FieldLogger
	metrics metrics.Recorder
}

func newHTTPClient(client *http.Client, log logrus.FieldLogger, rec metrics.Recorder) httpClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return httpClient{client: client, log: log, metrics: rec}
}

func (c httpClient) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstreamStatus, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// logSkipped reports malformed records dropped by the normalizer
func (c httpClient) logSkipped(skipped []normalize.Skip) {
	for _, s := range skipped {
		c.log.WithFields(logrus.Fields{"source": s.Source, "id": s.ID, "reason": s.Reason}).Warn("skipping malformed record")
	}
	c.metrics.Add(metrics.RecordsMalformed, uint64(len(skipped)))
}
