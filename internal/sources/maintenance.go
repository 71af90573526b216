package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
)

// DefaultCourtesyDelay separates consecutive per-route searches
const DefaultCourtesyDelay = 500 * time.Millisecond

// Snippet field classes
const (
	fieldRoute     = "field-route"
	fieldRouteName = "field-routename"
	fieldTitle     = "field-title"
	fieldStart     = "field-starteffectivedate"
	fieldEnd       = "field-endeffectivedate"

	// single-day closures carry one date inside a different wrapper
	singleDayWrapper = "single-day"
	fieldSingleDay   = "field-effectivedate"
)

var closureDateLayouts = []struct {
	layout  string
	hasTime bool
}{
	{"January 2, 2006 - 3:04 PM", true},
	{"January 2, 2006 - 3:04PM", true},
	{"January 2, 2006 3:04 PM", true},
	{"Jan 2, 2006 - 3:04 PM", true},
	{"January 2, 2006", false},
	{"Jan 2, 2006", false},
}

// searchResponse is the maintenance search payload
type searchResponse struct {
	Results normalize.OneOrMany[searchResult] `json:"results"`
}

type searchResult struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// Maintenance searches the agency site for planned closures, one route at a time
type Maintenance struct {
	httpClient
	baseURL string
	delay   time.Duration
	loc     *time.Location
}

// NewMaintenance creates a maintenance scraper. Dates on the site are local
// to loc; nil means UTC.
func NewMaintenance(baseURL string, delay time.Duration, loc *time.Location, client *http.Client, log logrus.FieldLogger, rec metrics.Recorder) *Maintenance {
	if loc == nil {
		loc = time.UTC
	}
	return &Maintenance{httpClient: newHTTPClient(client, log, rec), baseURL: baseURL, delay: delay, loc: loc}
}

// MaintenanceResult is one scrape across all routes. Deactivating closures
// missing from the scrape is only safe when Failed is empty.
type MaintenanceResult struct {
	Closures []model.MaintenanceClosure
	Failed   []string
}

// Scrape searches every route in turn, waiting the courtesy delay between requests
func (m *Maintenance) Scrape(ctx context.Context, routes []string, now time.Time) MaintenanceResult {
	var res MaintenanceResult
	seen := make(map[string]bool)

	for i, route := range routes {
		if i > 0 && m.delay > 0 {
			select {
			case <-ctx.Done():
				res.Failed = append(res.Failed, routes[i:]...)
				return res
			case <-time.After(m.delay):
			}
		}

		closures, err := m.searchRoute(ctx, route, now)
		if err != nil {
			m.log.WithError(err).WithField("route", route).Warn("maintenance search failed")
			res.Failed = append(res.Failed, route)
			continue
		}
		for _, c := range closures {
			if !seen[c.ClosureKey] {
				seen[c.ClosureKey] = true
				res.Closures = append(res.Closures, c)
			}
		}
	}
	return res
}

func (m *Maintenance) searchRoute(ctx context.Context, route string, now time.Time) ([]model.MaintenanceClosure, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance URL: %w", err)
	}
	q := u.Query()
	q.Set("q", route)
	u.RawQuery = q.Encode()

	body, err := m.get(ctx, u.String(), "application/json")
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode maintenance search: %w", err)
	}

	var closures []model.MaintenanceClosure
	var skipped []normalize.Skip
	for _, r := range resp.Results {
		c, err := ParseClosure(r.HTML, m.loc)
		if err != nil {
			skipped = append(skipped, normalize.Skip{Source: "maintenance", ID: r.URL, Reason: err.Error()})
			continue
		}
		if c.Route == "" {
			c.Route = route
		}
		if !strings.EqualFold(c.Route, route) {
			continue
		}
		c.URL = r.URL
		c.ClosureKey = ClosureKey(c)
		c.FirstSeenAt = now
		c.LastSeenAt = now
		c.IsActive = c.EndsAt.IsZero() || c.EndsAt.After(now)
		closures = append(closures, c)
	}
	m.logSkipped(skipped)
	return closures, nil
}

// ClosureKey is the content key of a closure: route, title and dates
func ClosureKey(c model.MaintenanceClosure) string {
	parts := []string{
		strings.ToUpper(strings.TrimSpace(c.Route)),
		strings.TrimSpace(c.Title),
		c.StartsAt.UTC().Format(time.RFC3339),
		c.EndsAt.UTC().Format(time.RFC3339),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ParseClosure reads the field spans of one search result snippet
func ParseClosure(snippet string, loc *time.Location) (model.MaintenanceClosure, error) {
	var c model.MaintenanceClosure
	doc, err := html.Parse(strings.NewReader(snippet))
	if err != nil {
		return c, fmt.Errorf("failed to parse snippet: %w", err)
	}
	fields := snippetFields(doc)

	c.Route = strings.TrimSpace(fields[fieldRoute])
	c.RouteName = fields[fieldRouteName]
	c.Title = normalize.CleanText(fields[fieldTitle])
	if c.Title == "" {
		return c, fmt.Errorf("missing title")
	}

	start, end := fields[fieldStart], fields[fieldEnd]
	if start == "" {
		start = fields[singleDayWrapper+"/"+fieldSingleDay]
		if start == "" {
			return c, fmt.Errorf("missing effective date")
		}
		if end == "" {
			end = start
		}
	}

	var hasTime bool
	if c.StartsAt, _, err = parseClosureDate(start, loc); err != nil {
		return c, err
	}
	if end != "" {
		var endTime time.Time
		if endTime, hasTime, err = parseClosureDate(end, loc); err != nil {
			return c, err
		}
		if !hasTime {
			endTime = endTime.AddDate(0, 0, 1)
		}
		c.EndsAt = endTime
	}
	return c, nil
}

func parseClosureDate(s string, loc *time.Location) (time.Time, bool, error) {
	s = strings.Join(strings.Fields(s), " ")
	for _, l := range closureDateLayouts {
		if t, err := time.ParseInLocation(l.layout, s, loc); err == nil {
			return t.UTC(), l.hasTime, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable date %q", s)
}

// snippetFields maps each field-* class to its text. Fields inside the
// single-day wrapper are keyed "single-day/<class>".
func snippetFields(doc *html.Node) map[string]string {
	fields := make(map[string]string)
	var walk func(n *html.Node, singleDay bool)
	walk = func(n *html.Node, singleDay bool) {
		if n.Type == html.ElementNode {
			classes := strings.Fields(attr(n, "class"))
			for _, class := range classes {
				if class == singleDayWrapper {
					singleDay = true
				}
			}
			for _, class := range classes {
				if !strings.HasPrefix(class, "field-") {
					continue
				}
				key := class
				if singleDay {
					key = singleDayWrapper + "/" + class
				}
				if _, ok := fields[key]; !ok {
					fields[key] = nodeText(n)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, singleDay)
		}
	}
	walk(doc, false)
	return fields
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
