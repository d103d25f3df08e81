// Package memstore provides an in-memory implementation of the emergency
// store and health source interfaces.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/carecompanion/sosd/internal/emergency"
)

var (
	_ emergency.AlertStore   = (*Store)(nil)
	_ emergency.ContactStore = (*Store)(nil)
	_ emergency.HealthSource = (*Store)(nil)
)

// Store holds alerts, contacts and health records in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*emergency.Alert
	bySubj map[string][]string // subject ID -> alert IDs in creation order

	contacts map[string][]*emergency.Contact
	profiles map[string]*emergency.Profile
	vitals   map[string][]emergency.VitalReading // newest first
	meds     map[string][]emergency.Medication
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:   make(map[string]*emergency.Alert),
		bySubj:   make(map[string][]string),
		contacts: make(map[string][]*emergency.Contact),
		profiles: make(map[string]*emergency.Profile),
		vitals:   make(map[string][]emergency.VitalReading),
		meds:     make(map[string][]emergency.Medication),
	}
}

// Create stores a copy of a new alert.
func (s *Store) Create(_ context.Context, a *emergency.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if _, exists := s.alerts[a.ID]; !exists {
		s.bySubj[a.SubjectID] = append(s.bySubj[a.SubjectID], a.ID)
	}
	s.alerts[a.ID] = &cp
	return nil
}

// Get retrieves one of the subject's alerts. Returns a copy.
func (s *Store) Get(_ context.Context, subjectID, id string) (*emergency.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok || a.SubjectID != subjectID {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// Update applies mutate to a copy and swaps it in under the write lock.
func (s *Store) Update(_ context.Context, subjectID, id string, mutate func(*emergency.Alert) error) (*emergency.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.SubjectID != subjectID {
		return nil, emergency.ErrNotFound
	}
	cp := *a
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	s.alerts[id] = &cp
	out := cp
	return &out, nil
}

// ListBySubject returns up to limit of the subject's alerts, newest first.
func (s *Store) ListBySubject(_ context.Context, subjectID string, limit int) ([]*emergency.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	ids := s.bySubj[subjectID]
	out := make([]*emergency.Alert, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.alerts[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}

// PutContact stores a copy of the contact, replacing one with the same ID.
func (s *Store) PutContact(_ context.Context, c *emergency.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	list := s.contacts[c.SubjectID]
	for i, existing := range list {
		if existing.ID == c.ID {
			list[i] = &cp
			return nil
		}
	}
	s.contacts[c.SubjectID] = append(list, &cp)
	return nil
}

// ListContacts returns copies of the subject's contacts in insertion order.
func (s *Store) ListContacts(_ context.Context, subjectID string) ([]*emergency.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.contacts[subjectID]
	out := make([]*emergency.Contact, 0, len(list))
	for _, c := range list {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteContact removes a contact. It reports false if the subject has no such contact.
func (s *Store) DeleteContact(_ context.Context, subjectID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.contacts[subjectID]
	i := slices.IndexFunc(list, func(c *emergency.Contact) bool { return c.ID == id })
	if i < 0 {
		return false, nil
	}
	s.contacts[subjectID] = slices.Delete(list, i, i+1)
	return true, nil
}

// PutProfile records a subject profile.
func (s *Store) PutProfile(p *emergency.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.SubjectID] = &cp
}

// AddVitals records a reading. Readings must be added oldest first.
func (s *Store) AddVitals(subjectID string, v emergency.VitalReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vitals[subjectID] = append([]emergency.VitalReading{v}, s.vitals[subjectID]...)
}

// AddMedication records a prescription.
func (s *Store) AddMedication(subjectID string, m emergency.Medication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meds[subjectID] = append(s.meds[subjectID], m)
}

// Profile returns a copy of the subject's profile.
func (s *Store) Profile(_ context.Context, subjectID string) (*emergency.Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

// RecentVitals returns up to limit readings, newest first.
func (s *Store) RecentVitals(_ context.Context, subjectID string, limit int) ([]emergency.VitalReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.vitals[subjectID]
	return slices.Clone(v[:min(limit, len(v))]), nil
}

// Medications returns every prescription on record, active or not.
func (s *Store) Medications(_ context.Context, subjectID string) ([]emergency.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.meds[subjectID]), nil
}
