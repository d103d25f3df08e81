package emergency

import "time"

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	// StatusPending means persisted, external calls not yet completed
	StatusPending Status = "pending"

	// StatusDispatched means the dispatch attempt completed, successfully or not
	StatusDispatched Status = "dispatched"

	// StatusResolved means closed by the subject after response
	StatusResolved Status = "resolved"

	// StatusCancelled means closed by the subject as not needed
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// TriggerMethod is how an alert was raised.
type TriggerMethod string

const (
	TriggerButton        TriggerMethod = "button"
	TriggerVoice         TriggerMethod = "voice"
	TriggerFallDetection TriggerMethod = "fall_detection"
	TriggerAuto          TriggerMethod = "auto"
)

// Location is where the subject was when the alert fired. Every part is optional.
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Alert is the persisted record of one emergency trigger.
type Alert struct {
	ID                string        `json:"id"`
	SubjectID         string        `json:"subject_id"`
	Method            TriggerMethod `json:"trigger_method"`
	Location          Location      `json:"location"`
	Status            Status        `json:"status"`
	EncryptedSnapshot string        `json:"-"`
	DispatchReference string        `json:"dispatch_reference,omitempty"`
	ResponderNotified bool          `json:"responder_notified"`
	ContactsNotified  bool          `json:"contacts_notified"`
	ResolutionNotes   string        `json:"resolution_notes,omitempty"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
	TriggeredAt       time.Time     `json:"triggered_at"`
}

// Contact is someone to notify when the subject raises an alert.
type Contact struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"-"`
	Name          string    `json:"name"`
	Relation      string    `json:"relation"`
	Phone         string    `json:"phone"`
	IsPrimary     bool      `json:"is_primary"`
	NotifyOnAlert bool      `json:"notify_on_alert"`
	CreatedAt     time.Time `json:"created_at"`
}

// Profile is the subset of the subject's profile the snapshot needs.
// Conditions and allergies are already normalized to ordered lists.
type Profile struct {
	SubjectID         string
	FullName          string
	Phone             string
	DateOfBirth       string
	Gender            string
	MedicalConditions []string
	Allergies         []string
}

// VitalReading is one recorded set of vitals. Unrecorded values are nil.
type VitalReading struct {
	RecordedAt   time.Time
	HeartRate    *float64
	SystolicBP   *float64
	DiastolicBP  *float64
	GlucoseLevel *float64
	SpO2         *float64
}

// Medication is one prescription on the subject's record.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Active    bool   `json:"-"`
}

// TriggerRequest is the inbound payload that raises an alert.
type TriggerRequest struct {
	Method    TriggerMethod `json:"trigger_method" validate:"required,oneof=button voice fall_detection auto"`
	Latitude  *float64      `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64      `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Address   string        `json:"address,omitempty" validate:"max=500"`
}

// UpdateRequest asks for a status transition on an existing alert.
type UpdateRequest struct {
	Status Status `json:"status" validate:"required,oneof=pending dispatched resolved cancelled"`
	Notes  string `json:"notes,omitempty" validate:"max=2000"`
}

// ContactRequest registers a new contact.
type ContactRequest struct {
	Name          string `json:"name" validate:"required,max=150"`
	Relation      string `json:"relation" validate:"required,max=50"`
	Phone         string `json:"phone" validate:"required,phone"`
	IsPrimary     bool   `json:"is_primary"`
	NotifyOnAlert *bool  `json:"notify_on_alert,omitempty"`
}

// DispatchRequest is what the responder gateway needs to send help.
type DispatchRequest struct {
	AlertID     string
	SubjectName string
	Phone       string
	Location    Location
	Snapshot    *Snapshot
}

// DispatchResult is the responder gateway's acknowledgement.
type DispatchResult struct {
	Reference    string `json:"dispatch_ref"`
	ETAMinutes   int    `json:"eta_minutes"`
	AssignedUnit string `json:"assigned_unit"`
	Stub         bool   `json:"stub,omitempty"`
}

// Notice is the content delivered to each contact.
type Notice struct {
	AlertID     string
	SubjectName string
	Location    Location
}

// NotifyOutcome records one contact's delivery attempt.
type NotifyOutcome struct {
	ContactID string
	Success   bool
	Err       error
}

// EventType names a lifecycle event published to sinks.
type EventType string

const (
	EventTriggered EventType = "alert.triggered"
	EventUpdated   EventType = "alert.updated"
)

// Event is published to sinks after a trigger or update. It never carries
// the snapshot.
type Event struct {
	Type        EventType `json:"type"`
	Alert       Alert     `json:"alert"`
	SubjectName string    `json:"subject_name,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
