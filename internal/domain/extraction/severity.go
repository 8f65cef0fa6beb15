package extraction

import "math"

const (
	// DefaultSeverity is reported for entries that declare no pain scale.
	DefaultSeverity = 5
	MinSeverity     = 0
	MaxSeverity     = 10
)

var severityKeys = []string{"pain_scale", "painScale", "severity", "pain_level", "painLevel", "pain_score"}

// Severity returns the entry's declared pain scale clamped to [0,10]. Absent
// or unparseable values yield DefaultSeverity.
func Severity(fields map[string]interface{}) int {
	f, ok := floatField(fields, severityKeys...)
	if !ok {
		return DefaultSeverity
	}
	return clampSeverity(f)
}

func clampSeverity(f float64) int {
	n := int(math.Round(f))
	if n < MinSeverity {
		return MinSeverity
	}
	if n > MaxSeverity {
		return MaxSeverity
	}
	return n
}

// Severities returns Severity for every complaint entry of a record.
func Severities(record map[string]interface{}) map[string]int {
	out := make(map[string]int)
	for _, e := range Complaints(record) {
		out[e.Key] = Severity(e.Fields)
	}
	return out
}
