package emergency

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func testProfile() *Profile {
	return &Profile{
		SubjectID:         "u1",
		FullName:          "Asha Rao",
		Phone:             "+919876543210",
		DateOfBirth:       "1948-02-11",
		Gender:            "female",
		MedicalConditions: []string{"Hypertension", "Type 2 Diabetes"},
		Allergies:         []string{"Penicillin"},
	}
}

func TestBuildSnapshot_Deterministic(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	vitals := []VitalReading{{RecordedAt: at.Add(-time.Hour), HeartRate: ptr(72.0), SystolicBP: ptr(130.0), DiastolicBP: ptr(85.0)}}
	meds := []Medication{{Name: "Metformin", Dosage: "500mg", Frequency: "twice daily", Active: true}}

	a, err := json.Marshal(BuildSnapshot(testProfile(), vitals, meds, at))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		b, _ := json.Marshal(BuildSnapshot(testProfile(), vitals, meds, at))
		if !bytes.Equal(a, b) {
			t.Fatalf("snapshot not deterministic:\n%s\n%s", a, b)
		}
	}
}

func TestBuildSnapshot_Summary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		profile *Profile
		want    string
	}{
		{
			name:    "full record",
			profile: testProfile(),
			want:    "Elderly patient Asha Rao, DOB 1948-02-11. Conditions: Hypertension, Type 2 Diabetes. Allergies: Penicillin.",
		},
		{
			name:    "nothing documented",
			profile: &Profile{FullName: "Ravi", DateOfBirth: "1950-01-01"},
			want:    "Elderly patient Ravi, DOB 1950-01-01. Conditions: None documented. Allergies: None.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := BuildSnapshot(tt.profile, nil, nil, time.Time{})
			if s.Summary != tt.want {
				t.Errorf("Summary = %q\nwant      %q", s.Summary, tt.want)
			}
		})
	}
}

func TestBuildSnapshot_UsesNewestVitalsOnly(t *testing.T) {
	t.Parallel()

	newest := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	vitals := []VitalReading{
		{RecordedAt: newest, HeartRate: ptr(88.0), SpO2: ptr(94.0)},
		{RecordedAt: newest.Add(-time.Hour), HeartRate: ptr(70.0), SystolicBP: ptr(120.0), DiastolicBP: ptr(80.0), GlucoseLevel: ptr(110.0)},
	}

	lv := BuildSnapshot(testProfile(), vitals, nil, newest).LatestVitals
	if lv.HeartRate == nil || *lv.HeartRate != 88 {
		t.Errorf("HeartRate = %v, want 88", lv.HeartRate)
	}
	if lv.SpO2 == nil || *lv.SpO2 != 94 {
		t.Errorf("SpO2 = %v, want 94", lv.SpO2)
	}
	if lv.BloodPressure != "" {
		t.Errorf("BloodPressure = %q, want empty (not in newest reading)", lv.BloodPressure)
	}
	if lv.GlucoseLevel != nil {
		t.Errorf("GlucoseLevel = %v, want nil (not in newest reading)", *lv.GlucoseLevel)
	}
	if lv.RecordedAt == nil || !lv.RecordedAt.Equal(newest) {
		t.Errorf("RecordedAt = %v, want %v", lv.RecordedAt, newest)
	}
}

func TestBuildSnapshot_BloodPressure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sys  *float64
		dia  *float64
		want string
	}{
		{"both", ptr(130.0), ptr(85.0), "130/85"},
		{"fractional", ptr(128.5), ptr(84.0), "128.5/84"},
		{"systolic only", ptr(140.0), nil, "140/?"},
		{"diastolic only", nil, ptr(90.0), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := []VitalReading{{SystolicBP: tt.sys, DiastolicBP: tt.dia}}
			if got := BuildSnapshot(testProfile(), v, nil, time.Time{}).LatestVitals.BloodPressure; got != tt.want {
				t.Errorf("BloodPressure = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildSnapshot_ActiveMedicationsInOrder(t *testing.T) {
	t.Parallel()

	meds := []Medication{
		{Name: "Amlodipine", Dosage: "5mg", Frequency: "daily", Active: true},
		{Name: "Warfarin", Dosage: "2mg", Frequency: "daily", Active: false},
		{Name: "Metformin", Dosage: "500mg", Frequency: "twice daily", Active: true},
	}

	got := BuildSnapshot(testProfile(), nil, meds, time.Time{}).CurrentMedications
	want := []SnapshotMed{
		{Name: "Amlodipine", Dosage: "5mg", Frequency: "daily"},
		{Name: "Metformin", Dosage: "500mg", Frequency: "twice daily"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CurrentMedications = %+v, want %+v", got, want)
	}
}

func TestBuildSnapshot_EmptyInputsRenderAsEmptyLists(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(BuildSnapshot(&Profile{FullName: "X"}, nil, nil, time.Time{}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, k := range []string{"medical_conditions", "allergies", "current_medications"} {
		if string(m[k]) != "[]" {
			t.Errorf("%s = %s, want []", k, m[k])
		}
	}
	if string(m["latest_vitals"]) != "{}" {
		t.Errorf("latest_vitals = %s, want {}", m["latest_vitals"])
	}
}

func TestBuildSnapshot_NilProfile(t *testing.T) {
	t.Parallel()

	s := BuildSnapshot(nil, nil, nil, time.Time{})
	if s == nil || s.MedicalConditions == nil {
		t.Fatal("BuildSnapshot(nil, ...) returned incomplete snapshot")
	}
}

func TestParseList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", []string{}},
		{"whitespace", "   ", []string{}},
		{"json null", "null", []string{}},
		{"json list", `["Hypertension","Arthritis"]`, []string{"Hypertension", "Arthritis"}},
		{"empty json list", `[]`, []string{}},
		{"bare string", "Hypertension", []string{"Hypertension"}},
		{"json string", `"Asthma"`, []string{"Asthma"}},
		{"broken json", `["unterminated`, []string{`["unterminated`}},
		{"comma text stays one entry", "Diabetes, Asthma", []string{"Diabetes, Asthma"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseList(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseList(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestEncodeList_ParsesBack(t *testing.T) {
	t.Parallel()

	in := []string{"Hypertension", `quoted "value"`}
	if got := ParseList(EncodeList(in)); !reflect.DeepEqual(got, in) {
		t.Errorf("ParseList(EncodeList(%v)) = %v", in, got)
	}
	if got := EncodeList(nil); got != "[]" {
		t.Errorf("EncodeList(nil) = %q, want []", got)
	}
}
