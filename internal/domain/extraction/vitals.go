package extraction

import (
	"regexp"
	"strconv"
	"strings"
)

// Weight classes derived from BMI.
const (
	WeightUnderweight = "Underweight"
	WeightNormal      = "Normal"
	WeightOverweight  = "Overweight"
	WeightObese       = "Obese"
)

// Vitals is the vital-sign field bag of an encounter. Nil fields were not
// present in the source record.
type Vitals struct {
	HeightCm        *float64 `json:"height_cm,omitempty"`
	WeightKg        *float64 `json:"weight_kg,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TemperatureUnit string   `json:"temperature_unit,omitempty"`
	Systolic        *int     `json:"systolic,omitempty"`
	Diastolic       *int     `json:"diastolic,omitempty"`
	BloodPressure   string   `json:"blood_pressure,omitempty"`
	Pulse           *int     `json:"pulse,omitempty"`
	RespiratoryRate *int     `json:"respiratory_rate,omitempty"`
	SpO2            *int     `json:"spo2,omitempty"`
	BMI             *float64 `json:"bmi,omitempty"`
	WeightClass     string   `json:"weight_class,omitempty"`
}

// Empty reports whether no vital was found.
func (v *Vitals) Empty() bool {
	return v == nil || len(v.Map()) == 0
}

// Map returns the present fields keyed by their JSON names.
func (v *Vitals) Map() map[string]interface{} {
	out := make(map[string]interface{})
	if v == nil {
		return out
	}
	putF := func(k string, p *float64) {
		if p != nil {
			out[k] = *p
		}
	}
	putI := func(k string, p *int) {
		if p != nil {
			out[k] = *p
		}
	}
	putS := func(k, s string) {
		if s != "" {
			out[k] = s
		}
	}
	putF("height_cm", v.HeightCm)
	putF("weight_kg", v.WeightKg)
	putF("temperature", v.Temperature)
	putS("temperature_unit", v.TemperatureUnit)
	putI("systolic", v.Systolic)
	putI("diastolic", v.Diastolic)
	putS("blood_pressure", v.BloodPressure)
	putI("pulse", v.Pulse)
	putI("respiratory_rate", v.RespiratoryRate)
	putI("spo2", v.SpO2)
	putF("bmi", v.BMI)
	putS("weight_class", v.WeightClass)
	return out
}

var bloodPressure = regexp.MustCompile(`^\s*(\d{2,3})\s*/\s*(\d{2,3})`)

// ExtractVitals reads vitals from the record's "vitals" object, falling back
// to top-level fields. It returns nil when nothing is present.
func ExtractVitals(record map[string]interface{}) *Vitals {
	src := record
	if v, ok := lookup(record, "vitals", "vital_signs", "vitalSigns"); ok {
		if m, isMap := asMap(v); isMap {
			src = m
		}
	}
	if src == nil {
		return nil
	}

	v := &Vitals{}
	if h, ok := heightCm(src); ok {
		v.HeightCm = ptr(round(h, 1))
	}
	if w, ok := weightKg(src); ok {
		v.WeightKg = ptr(round(w, 1))
	}
	if t, ok := floatField(src, "temperature", "temp", "temperature_f", "temperature_c"); ok && t > 0 {
		v.Temperature = ptr(round(t, 1))
		if u, has := stringField(src, "temperature_unit", "temp_unit"); has {
			v.TemperatureUnit = strings.ToUpper(u)
		} else if _, f := lookup(src, "temperature_f"); f {
			v.TemperatureUnit = "F"
		} else if _, c := lookup(src, "temperature_c"); c {
			v.TemperatureUnit = "C"
		}
	}

	if s, ok := stringField(src, "blood_pressure", "bloodPressure", "bp"); ok {
		if m := bloodPressure.FindStringSubmatch(s); m != nil {
			sys, _ := strconv.Atoi(m[1])
			dia, _ := strconv.Atoi(m[2])
			v.Systolic, v.Diastolic = &sys, &dia
		}
	}
	if v.Systolic == nil {
		sys, okS := intField(src, "systolic", "bp_systolic")
		dia, okD := intField(src, "diastolic", "bp_diastolic")
		if okS && okD {
			v.Systolic, v.Diastolic = &sys, &dia
		}
	}
	if v.Systolic != nil {
		v.BloodPressure = strconv.Itoa(*v.Systolic) + "/" + strconv.Itoa(*v.Diastolic)
	}

	if n, ok := intField(src, "pulse", "heart_rate", "heartRate", "hr"); ok {
		v.Pulse = &n
	}
	if n, ok := intField(src, "respiratory_rate", "respiratoryRate", "resp_rate", "rr"); ok {
		v.RespiratoryRate = &n
	}
	if n, ok := intField(src, "spo2", "SpO2", "oxygen_saturation", "o2_sat"); ok {
		v.SpO2 = &n
	}

	if v.HeightCm != nil && v.WeightKg != nil {
		if bmi, ok := BMI(*v.HeightCm, *v.WeightKg); ok {
			v.BMI = &bmi
			v.WeightClass = WeightClass(bmi)
		}
	}
	if v.Empty() {
		return nil
	}
	return v
}

// BMI returns weight / height² rounded to one decimal.
func BMI(heightCm, weightKg float64) (float64, bool) {
	if heightCm <= 0 || weightKg <= 0 {
		return 0, false
	}
	m := heightCm / 100
	return round(weightKg/(m*m), 1), true
}

// WeightClass buckets a BMI value.
func WeightClass(bmi float64) string {
	switch {
	case bmi < 18.5:
		return WeightUnderweight
	case bmi < 25:
		return WeightNormal
	case bmi < 30:
		return WeightOverweight
	default:
		return WeightObese
	}
}

func heightCm(m map[string]interface{}) (float64, bool) {
	if f, ok := floatField(m, "height_cm", "heightCm"); ok && f > 0 {
		return f, true
	}
	if f, ok := floatField(m, "height_in", "height_inches", "heightIn"); ok && f > 0 {
		return f * 2.54, true
	}
	f, ok := floatField(m, "height")
	if !ok || f <= 0 {
		return 0, false
	}
	unit, _ := stringField(m, "height_unit", "heightUnit")
	switch strings.ToLower(unit) {
	case "in", "inch", "inches":
		return f * 2.54, true
	case "m", "meter", "meters":
		return f * 100, true
	case "", "cm":
		return f, true
	}
	return 0, false
}

func weightKg(m map[string]interface{}) (float64, bool) {
	if f, ok := floatField(m, "weight_kg", "weightKg"); ok && f > 0 {
		return f, true
	}
	if f, ok := floatField(m, "weight_lb", "weight_lbs", "weightLb"); ok && f > 0 {
		return f * 0.45359237, true
	}
	f, ok := floatField(m, "weight")
	if !ok || f <= 0 {
		return 0, false
	}
	unit, _ := stringField(m, "weight_unit", "weightUnit")
	switch strings.ToLower(unit) {
	case "lb", "lbs", "pound", "pounds":
		return f * 0.45359237, true
	case "", "kg":
		return f, true
	}
	return 0, false
}

func intField(m map[string]interface{}, keys ...string) (int, bool) {
	f, ok := floatField(m, keys...)
	if !ok || f < 0 {
		return 0, false
	}
	return int(f + 0.5), true
}

func ptr[T any](v T) *T { return &v }
