package emergency

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the point-in-time health summary handed to responders. It is
// persisted only as codec ciphertext.
type Snapshot struct {
	PatientName        string        `json:"patient_name"`
	Phone              string        `json:"phone,omitempty"`
	DateOfBirth        string        `json:"date_of_birth,omitempty"`
	Gender             string        `json:"gender,omitempty"`
	MedicalConditions  []string      `json:"medical_conditions"`
	Allergies          []string      `json:"allergies"`
	CurrentMedications []SnapshotMed `json:"current_medications"`
	LatestVitals       LatestVitals  `json:"latest_vitals"`
	Summary            string        `json:"summary"`
	GeneratedAt        time.Time     `json:"generated_at"`
}

// SnapshotMed is one active medication line.
type SnapshotMed struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
}

// LatestVitals is the subset of the newest reading that was recorded.
type LatestVitals struct {
	HeartRate     *float64   `json:"heart_rate,omitempty"`
	BloodPressure string     `json:"blood_pressure,omitempty"`
	GlucoseLevel  *float64   `json:"glucose_level,omitempty"`
	SpO2          *float64   `json:"spo2,omitempty"`
	RecordedAt    *time.Time `json:"recorded_at,omitempty"`
}

// BuildSnapshot assembles a Snapshot from the subject's health records.
// vitals must be ordered newest first; only vitals[0] is used. It performs
// no I/O and the same inputs always produce the same value.
func BuildSnapshot(p *Profile, vitals []VitalReading, meds []Medication, generatedAt time.Time) *Snapshot {
	if p == nil {
		p = &Profile{}
	}

	s := &Snapshot{
		PatientName:        p.FullName,
		Phone:              p.Phone,
		DateOfBirth:        p.DateOfBirth,
		Gender:             p.Gender,
		MedicalConditions:  nonNil(p.MedicalConditions),
		Allergies:          nonNil(p.Allergies),
		CurrentMedications: []SnapshotMed{},
		GeneratedAt:        generatedAt.UTC(),
	}

	for _, m := range meds {
		if !m.Active {
			continue
		}
		s.CurrentMedications = append(s.CurrentMedications, SnapshotMed{
			Name:      m.Name,
			Dosage:    m.Dosage,
			Frequency: m.Frequency,
		})
	}

	if len(vitals) > 0 {
		s.LatestVitals = latestVitals(&vitals[0])
	}

	s.Summary = summarize(p)
	return s
}

func latestVitals(v *VitalReading) LatestVitals {
	lv := LatestVitals{
		HeartRate:    v.HeartRate,
		GlucoseLevel: v.GlucoseLevel,
		SpO2:         v.SpO2,
	}
	if v.SystolicBP != nil {
		dia := "?"
		if v.DiastolicBP != nil {
			dia = formatReading(*v.DiastolicBP)
		}
		lv.BloodPressure = formatReading(*v.SystolicBP) + "/" + dia
	}
	if !v.RecordedAt.IsZero() {
		t := v.RecordedAt.UTC()
		lv.RecordedAt = &t
	}
	return lv
}

func summarize(p *Profile) string {
	conditions := strings.Join(p.MedicalConditions, ", ")
	if conditions == "" {
		conditions = "None documented"
	}
	allergies := strings.Join(p.Allergies, ", ")
	if allergies == "" {
		allergies = "None"
	}
	return "Elderly patient " + p.FullName + ", DOB " + p.DateOfBirth +
		". Conditions: " + conditions + ". Allergies: " + allergies + "."
}

// formatReading renders 120 as "120" and 98.6 as "98.6".
func formatReading(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ParseList normalizes a stored list field. Canonical values are JSON
// arrays of strings; legacy rows hold a bare string, which becomes a
// one-element list. Empty input yields an empty list. It never fails.
func ParseList(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []string{}
	}

	var list []string
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		return nonNil(list)
	}

	var single string
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil {
		if single == "" {
			return []string{}
		}
		return []string{single}
	}

	return []string{trimmed}
}

// EncodeList renders a list in the canonical stored form.
func EncodeList(list []string) string {
	b, _ := json.Marshal(nonNil(list))
	return string(b)
}
