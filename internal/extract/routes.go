// Package extract turns free-text alert headers into structured route
// identifiers, location fragments and category tags.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// minSurfaceRoute is the lowest bus/streetcar route number. 1-4 are subway
// lines and only ever come from a literal "Line N".
const minSurfaceRoute = 5

var (
	// infrastructureRegex matches numbers that describe station infrastructure,
	// e.g. "Bay 2", "Platform 12", "Door #3"
	infrastructureRegex = regexp.MustCompile(`(?i)\b(?:bays?|platforms?|tracks?|doors?|gates?)\s*(?:#|no\.?)?\s*\d+[a-z]?\b`)

	// clockRegex and unitRegex match times and measurements that look like routes
	clockRegex = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	unitRegex  = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:am|pm|minutes?|mins?|hours?|hrs?|seconds?|secs?|metres?|meters?|km/h|kph|km|m)\b|\d+(?:\.\d+)?\s*%`)

	subwayLineRegex = regexp.MustCompile(`(?i)\bline\s*([1-4])\b`)
	branchNameRegex = regexp.MustCompile(`\b(\d{1,3}[A-Z])\s+[A-Z][a-z]+`)
	branchRegex     = regexp.MustCompile(`\b(\d{1,3}[A-Z])\b`)
	numericRegex    = regexp.MustCompile(`\b(\d{1,3})\b`)

	baseRouteRegex = regexp.MustCompile(`^(\d+)[A-Za-z]*$`)

	betweenRegex = regexp.MustCompile(`(?i)\bbetween\s+(.+?)\s+and\s+(.+?)(?:\s+(?:stations?|due|because|while|for|until|from|in|on|after|as)\b|[.,;:()]|$)`)
	atRegex      = regexp.MustCompile(`\b[Aa]t\s+([A-Z][\w'.-]*(?:\s+[A-Z][\w'.-]*){0,3})`)
)

// Routes extracts route identifiers from a header. Subway lines come out as
// "1".."4"; surface routes as "504" or "97B". Branch-with-name matches win
// over bare branch codes, which win over bare numbers, so one route never
// appears three times.
func Routes(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var routes []string

	// Subway lines first, then blank them out so "Line 2" can't yield a bare "2"
	cleaned := subwayLineRegex.ReplaceAllStringFunc(text, func(m string) string {
		sub := subwayLineRegex.FindStringSubmatch(m)
		routes = addRoute(routes, sub[1])
		return " "
	})

	cleaned = infrastructureRegex.ReplaceAllString(cleaned, " ")
	cleaned = clockRegex.ReplaceAllString(cleaned, " ")
	cleaned = unitRegex.ReplaceAllString(cleaned, " ")

	for _, re := range []*regexp.Regexp{branchNameRegex, branchRegex, numericRegex} {
		for _, m := range re.FindAllStringSubmatch(cleaned, -1) {
			if !isSurfaceRoute(m[1]) {
				continue
			}
			routes = addRoute(routes, strings.ToUpper(m[1]))
		}
	}

	return routes
}

// MergeRoutes combines structured upstream routes with extracted ones,
// keeping upstream order first
func MergeRoutes(upstream, extracted []string) []string {
	var routes []string
	for _, r := range upstream {
		routes = addRoute(routes, normalizeRoute(r))
	}
	for _, r := range extracted {
		routes = addRoute(routes, normalizeRoute(r))
	}
	return routes
}

// addRoute appends r unless it is already present, or it is a bare number whose
// base route is already covered by a branch
func addRoute(routes []string, r string) []string {
	if r == "" {
		return routes
	}
	bare := baseRouteRegex.MatchString(r) && BaseRoute(r) == r
	for _, existing := range routes {
		if existing == r {
			return routes
		}
		if bare && BaseRoute(existing) == r {
			return routes
		}
	}
	return append(routes, r)
}

func normalizeRoute(r string) string {
	r = strings.ToUpper(strings.TrimSpace(r))
	if m := subwayLineRegex.FindStringSubmatch(r); m != nil {
		return m[1]
	}
	return r
}

func isSurfaceRoute(token string) bool {
	n, err := strconv.Atoi(strings.TrimRight(token, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	if err != nil {
		return false
	}
	return n >= minSurfaceRoute
}

// BaseRoute strips the branch suffix from a route: "37A" -> "37".
// Non-numeric ids are returned upper-cased.
func BaseRoute(route string) string {
	route = strings.ToUpper(strings.TrimSpace(route))
	if m := baseRouteRegex.FindStringSubmatch(route); m != nil {
		return m[1]
	}
	return route
}

// BaseRoutesOverlap reports whether any route in a shares a base route with any in b
func BaseRoutesOverlap(a, b []string) bool {
	for _, x := range a {
		bx := BaseRoute(x)
		for _, y := range b {
			if bx == BaseRoute(y) {
				return true
			}
		}
	}
	return false
}

// Between returns the station pair of a "between X and Y" clause
func Between(text string) (from, to string, ok bool) {
	m := betweenRegex.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	from, to = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	if from == "" || to == "" {
		return "", "", false
	}
	return from, to, true
}

// At returns the capitalised place name of an "at X" clause
func At(text string) (string, bool) {
	m := atRegex.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
