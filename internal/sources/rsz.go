package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
)

// rszColumns is the fixed cell count of a reduced-speed-zone row
const rszColumns = 8

var lineLabelRegex = regexp.MustCompile(`(?i)\bline\s*(\d)\b`)

// RSZ scrapes the reduced-speed-zone page: one table per subway line
type RSZ struct {
	httpClient
	url string
}

// NewRSZ creates an RSZ scraper. client and rec may be nil.
func NewRSZ(url string, client *http.Client, log logrus.FieldLogger, rec metrics.Recorder) *RSZ {
	return &RSZ{httpClient: newHTTPClient(client, log, rec), url: url}
}

func (r *RSZ) Name() string { return "rsz" }

func (r *RSZ) Sources() []model.Source { return []model.Source{model.SourceRSZ} }

func (r *RSZ) Fetch(ctx context.Context, now time.Time) ([]model.Alert, error) {
	body, err := r.get(ctx, r.url, "text/html")
	if err != nil {
		return nil, err
	}
	rows, err := ParseRSZ(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	batch := normalize.RSZ(rows, now)
	r.logSkipped(batch.Skipped)
	return batch.Alerts, nil
}

// ParseRSZ extracts the rows of every line table. The line of a table comes
// from its caption, or else the nearest heading before it. Tables with no
// line label and rows without the full cell set are ignored.
func ParseRSZ(r io.Reader) ([]normalize.RSZRow, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSZ page: %w", err)
	}

	var (
		rows    []normalize.RSZRow
		heading string
		walk    func(n *html.Node)
	)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				heading = nodeText(n)
				return
			case atom.Table:
				line := tableLine(n, heading)
				if line != "" {
					rows = append(rows, tableRows(n, line)...)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return rows, nil
}

func tableLine(table *html.Node, heading string) string {
	for c := table.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Caption {
			if m := lineLabelRegex.FindStringSubmatch(nodeText(c)); m != nil {
				return m[1]
			}
		}
	}
	if m := lineLabelRegex.FindStringSubmatch(heading); m != nil {
		return m[1]
	}
	return ""
}

func tableRows(table *html.Node, line string) []normalize.RSZRow {
	var rows []normalize.RSZRow
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.DataAtom == atom.Td {
					cells = append(cells, nodeText(c))
				}
			}
			if len(cells) >= rszColumns && cells[0] != "" {
				rows = append(rows, normalize.RSZRow{
					Line:            line,
					Location:        cells[0],
					DefectLength:    cells[1],
					DistanceBetween: cells[2],
					PercentAffected: cells[3],
					ReducedSpeed:    cells[4],
					NormalSpeed:     cells[5],
					Reason:          cells[6],
					TargetRemoval:   cells[7],
				})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

// nodeText concatenates the text under n with whitespace collapsed
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
