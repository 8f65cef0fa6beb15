package extraction

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	durationKeys = []string{"onset_duration", "onsetDuration", "duration", "duration_value", "days_ago", "onset_days"}
	unitKeys     = []string{"onset_unit", "onsetUnit", "duration_unit", "durationUnit", "unit"}

	durationText = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)`)
)

// Onset formats the entry's onset duration. It reports false when the entry
// carries no usable duration; the onset is never inferred from other fields.
//
//	0        -> "today"
//	1 day    -> "1 day ago"
//	3 weeks  -> "3 weeks ago"
func Onset(fields map[string]interface{}) (string, bool) {
	raw, ok := lookup(fields, durationKeys...)
	if !ok {
		return "", false
	}

	var (
		n    float64
		unit string
	)
	switch v := raw.(type) {
	case string:
		m := durationText.FindStringSubmatch(v)
		if m == nil {
			return "", false
		}
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return "", false
		}
		n, unit = f, m[2]
	default:
		f, isNum := asFloat(v)
		if !isNum {
			return "", false
		}
		n = f
	}
	if n < 0 {
		return "", false
	}
	if u, has := stringField(fields, unitKeys...); has {
		unit = u
	}

	count := int(math.Round(n))
	if count == 0 {
		return "today", true
	}
	name, ok := onsetUnit(unit)
	if !ok {
		return "", false
	}
	if count == 1 {
		return "1 " + name + " ago", true
	}
	return strconv.Itoa(count) + " " + name + "s ago", true
}

func onsetUnit(u string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case "", "d", "day", "days":
		return "day", true
	case "h", "hr", "hrs", "hour", "hours":
		return "hour", true
	case "w", "wk", "wks", "week", "weeks":
		return "week", true
	case "mo", "mos", "month", "months":
		return "month", true
	case "y", "yr", "yrs", "year", "years":
		return "year", true
	}
	return "", false
}

// Onsets returns Onset for every complaint entry that has one.
func Onsets(record map[string]interface{}) map[string]string {
	out := make(map[string]string)
	for _, e := range Complaints(record) {
		if s, ok := Onset(e.Fields); ok {
			out[e.Key] = s
		}
	}
	return out
}
