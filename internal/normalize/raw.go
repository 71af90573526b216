package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ttc-alerts/incidents/internal/model"
)

// OneOrMany decodes a JSON value that upstream sends either as a single
// object or as an array of objects. It always ends up as a slice.
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*o = items
		return nil
	}
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	*o = OneOrMany[T]{item}
	return nil
}

// FlexString accepts a JSON string or number
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	*f = FlexString(string(data))
	return nil
}

func (f FlexString) String() string { return string(f) }

// FlexTime accepts RFC3339 strings, "2006-01-02 15:04:05" strings and epoch
// numbers (seconds or milliseconds). Unparseable values never fail the whole
// document; they are flagged Invalid so the owning record can be skipped.
type FlexTime struct {
	Time    time.Time
	Raw     string
	Invalid bool
}

var flexLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*f = FlexTime{Raw: string(data)}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		f.Raw = ""
		return nil
	}

	if data[0] != '"' {
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			f.Invalid = true
			return nil
		}
		if n > 1e12 {
			f.Time = time.UnixMilli(int64(n)).UTC()
		} else {
			f.Time = time.Unix(int64(n), 0).UTC()
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		f.Invalid = true
		return nil
	}
	f.Raw = s
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			f.Time = time.UnixMilli(n).UTC()
		} else {
			f.Time = time.Unix(n, 0).UTC()
		}
		return nil
	}
	for _, layout := range flexLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.Time = t.UTC()
			return nil
		}
	}
	f.Invalid = true
	return nil
}

// LiveFeed is the live-alerts payload. Routes and accessibility entries are
// decoded one at a time; an entry that does not fit its type lands in
// Rejected instead of failing the whole payload.
type LiveFeed struct {
	Routes        OneOrMany[LiveItem]     `json:"routes"`
	Accessibility OneOrMany[ElevatorItem] `json:"accessibility"`
	LastUpdated   FlexTime                `json:"lastUpdated"`

	Rejected []Skip `json:"-"`
}

func (f *LiveFeed) UnmarshalJSON(data []byte) error {
	var raw struct {
		Routes        OneOrMany[json.RawMessage] `json:"routes"`
		Accessibility OneOrMany[json.RawMessage] `json:"accessibility"`
		LastUpdated   FlexTime                   `json:"lastUpdated"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = LiveFeed{LastUpdated: raw.LastUpdated}
	for _, msg := range raw.Routes {
		var item LiveItem
		if err := json.Unmarshal(msg, &item); err != nil {
			f.reject(model.SourceLive, msg, err)
			continue
		}
		f.Routes = append(f.Routes, item)
	}
	for _, msg := range raw.Accessibility {
		var item ElevatorItem
		if err := json.Unmarshal(msg, &item); err != nil {
			f.reject(model.SourceElevator, msg, err)
			continue
		}
		f.Accessibility = append(f.Accessibility, item)
	}
	return nil
}

func (f *LiveFeed) reject(source model.Source, msg json.RawMessage, err error) {
	// Best effort: the id alone may still decode when another field did not
	var idOnly struct {
		ID FlexString `json:"id"`
	}
	_ = json.Unmarshal(msg, &idOnly)
	f.Rejected = append(f.Rejected, Skip{Source: source, ID: idOnly.ID.String(), Reason: "undecodable record: " + err.Error()})
}

// LiveItem is one flat alert in the live feed's routes array
type LiveItem struct {
	ID           FlexString            `json:"id"`
	HeaderText   string                `json:"headerText"`
	Title        string                `json:"title"`
	Description  string                `json:"description"`
	Effect       string                `json:"effect"`
	EffectDesc   string                `json:"effectDesc"`
	Route        FlexString            `json:"route"`
	Cause        string                `json:"cause"`
	ChildAlerts  OneOrMany[ChildAlert] `json:"childAlerts"`
	ActivePeriod OneOrMany[Period]     `json:"activePeriod"`
	Directions   OneOrMany[string]     `json:"directions"`
	Stops        OneOrMany[Stop]       `json:"stops"`
}

// ChildAlert declares one scheduled active window
type ChildAlert struct {
	ID        FlexString `json:"id"`
	StartTime FlexTime   `json:"startTime"`
	EndTime   FlexTime   `json:"endTime"`
}

// Period is an activePeriod entry
type Period struct {
	Start FlexTime `json:"start"`
	End   FlexTime `json:"end"`
}

// Stop is a stop reference; upstream sends either a name string or an object
type Stop struct {
	Name string `json:"name"`
}

func (s *Stop) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Name)
	}
	var obj struct {
		Name     string `json:"name"`
		StopName string `json:"stopName"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Name = obj.Name
	if s.Name == "" {
		s.Name = obj.StopName
	}
	return nil
}

// ElevatorItem is one entry of the live feed's accessibility array
type ElevatorItem struct {
	ID           FlexString `json:"id"`
	HeaderText   string     `json:"headerText"`
	ElevatorCode string     `json:"elevatorCode"`
	Effect       string     `json:"effect"`
	Station      string     `json:"station"`
}

// RSZRow is one row of a subway line's reduced-speed-zone table, cells in page order
type RSZRow struct {
	Line            string
	Location        string
	DefectLength    string
	DistanceBetween string
	PercentAffected string
	ReducedSpeed    string
	NormalSpeed     string
	Reason          string
	TargetRemoval   string
}

// GTFSRTItem is a service alert entity already unpacked from the protobuf feed
type GTFSRTItem struct {
	EntityID    string
	Header      string
	Description string
	Effect      string
	RouteIDs    []string
	Periods     []Period
}
