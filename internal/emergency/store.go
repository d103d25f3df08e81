package emergency

import "context"

// AlertStore persists alerts. Every lookup is keyed by subject and id; an
// alert owned by another subject is reported as missing.
type AlertStore interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, subjectID, id string) (*Alert, bool, error)

	// Update loads the alert, applies mutate and writes the result back as
	// one atomic step, serialized against other updates of the same alert.
	// It returns ErrNotFound when the alert does not exist. If mutate
	// returns an error nothing is written and that error is returned.
	Update(ctx context.Context, subjectID, id string, mutate func(*Alert) error) (*Alert, error)

	// ListBySubject returns at most limit alerts, newest first.
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Alert, error)
}

// ContactStore persists a subject's contacts.
type ContactStore interface {
	PutContact(ctx context.Context, c *Contact) error
	ListContacts(ctx context.Context, subjectID string) ([]*Contact, error)
	DeleteContact(ctx context.Context, subjectID, id string) (bool, error)
}

// HealthSource reads the health records other services own. Implementations
// decrypt encrypted columns and normalize list fields before returning.
type HealthSource interface {
	Profile(ctx context.Context, subjectID string) (*Profile, bool, error)
	RecentVitals(ctx context.Context, subjectID string, limit int) ([]VitalReading, error)
	Medications(ctx context.Context, subjectID string) ([]Medication, error)
}

// Codec seals snapshot JSON and sensitive columns before they are
// persisted. The optional forms map nil to nil.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	EncryptOptional(v *string) (*string, error)
	DecryptOptional(v *string) (*string, error)
}

// Dispatcher requests a responder for an alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)
}

// ContactNotifier delivers a notice to every given contact and reports one
// outcome per contact, in contact order. It never returns early on a
// failed delivery.
type ContactNotifier interface {
	NotifyContacts(ctx context.Context, n *Notice, contacts []*Contact) []NotifyOutcome
}

// EventSink receives lifecycle events. Delivery is best effort.
type EventSink interface {
	Publish(ctx context.Context, ev *Event) error
}
