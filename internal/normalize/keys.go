package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"github.com/ttc-alerts/incidents/internal/extract"
	"github.com/ttc-alerts/incidents/internal/model"
)

// Thread and alert ids are built only from stable semantic fields. The
// ingestion engine and the reconciliation verifier both derive keys through
// this file; nothing else may compute them.

// elevatorDetailLen caps, in runes, the header fragment used by the elevator
// fallback key
const elevatorDetailLen = 40

// Slug lowercases s and drops everything that is not a letter or digit
func Slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LiveAlertID is the alert id for a live-feed item
func LiveAlertID(upstreamID string) string {
	return "live-" + strings.TrimSpace(upstreamID)
}

// GTFSRTAlertID is the alert id for a GTFS-RT service alert entity
func GTFSRTAlertID(entityID string) string {
	return "gtfsrt-" + strings.TrimSpace(entityID)
}

// IncidentThreadID derives the thread key for live and GTFS-RT alerts:
// source, primary route and the location fragment of the header. Station
// pairs are order-independent because upstream words the same incident both
// ways. Alerts with no route fall back to the upstream id.
func IncidentThreadID(source model.Source, routes []string, header string, stops []string, upstreamID string) string {
	location := LocationFragment(header, stops)
	if len(routes) == 0 {
		if location != "" {
			return string(source) + ":unrouted:" + location
		}
		return string(source) + ":unrouted:" + Slug(upstreamID)
	}
	key := string(source) + ":" + strings.ToUpper(routes[0])
	if location != "" {
		key += ":" + location
	}
	return key
}

// LocationFragment normalizes the "between X and Y" or "at X" clause of a
// header, falling back to the first and last stop names
func LocationFragment(header string, stops []string) string {
	if from, to, ok := extract.Between(header); ok {
		pair := []string{Slug(from), Slug(to)}
		sort.Strings(pair)
		return pair[0] + "-" + pair[1]
	}
	if place, ok := extract.At(header); ok {
		return Slug(place)
	}
	if len(stops) >= 2 {
		pair := []string{Slug(stops[0]), Slug(stops[len(stops)-1])}
		sort.Strings(pair)
		if pair[0] != "" && pair[1] != "" {
			return pair[0] + "-" + pair[1]
		}
	}
	return ""
}

// RSZIDs derives the alert and thread ids of a slow zone from the line and
// its station pair. Upstream row ids are not stable across polls.
func RSZIDs(line, from, to string) (alertID, threadID string) {
	l, f, t := Slug(line), Slug(from), Slug(to)
	return "rsz-" + l + "-" + f + "-" + t, "rsz:" + l + ":" + f + "-" + t
}

// ElevatorIDs derives the elevator ids from its equipment code. Without a
// code ("Non-TTC" elevators) it falls back to station plus a truncated header
// fragment, which is approximate; fallback is reported so callers can count it.
func ElevatorIDs(code, station, header string) (alertID, threadID string, fallback bool) {
	c := Slug(code)
	if c != "" && c != "nonttc" {
		return "elev-" + c, "elevator:" + c, false
	}

	detail := ""
	if from, to, ok := extract.Between(header); ok {
		detail = Slug(from) + "-" + Slug(to)
	} else {
		detail = Slug(strings.TrimPrefix(strings.ToLower(header), strings.ToLower(station)))
	}
	// Cut on runes so accented station text never leaves a split byte
	if r := []rune(detail); len(r) > elevatorDetailLen {
		detail = string(r[:elevatorDetailLen])
	}
	key := Slug(station) + "-" + detail
	return "elev-" + key, "elevator:" + key, true
}

// RevisionID gives a changed observation under an existing alert id its own
// deterministic id, so the text change is stored as a new alert
func RevisionID(alertID, header, description string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(header) + "\n" + strings.TrimSpace(description)))
	return alertID + "-" + hex.EncodeToString(sum[:])
}
