package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/carecompanion/sosd/internal/fieldcrypt"
)

var tracer = otel.Tracer("github.com/carecompanion/sosd/internal/emergency")

const (
	// VitalsLimit is how many recent readings are fetched for a snapshot.
	VitalsLimit = 5

	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100

	DefaultDispatchTimeout = 10 * time.Second
	DefaultNotifyTimeout   = 10 * time.Second

	eventTimeout = 5 * time.Second
)

// Deps are the collaborators a Service cannot run without.
type Deps struct {
	Alerts     AlertStore
	Contacts   ContactStore
	Health     HealthSource
	Codec      Codec
	Dispatcher Dispatcher
	Notifier   ContactNotifier
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records orchestration metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEventSinks publishes lifecycle events to each sink.
func WithEventSinks(sinks ...EventSink) Option {
	return func(s *Service) {
		for _, sink := range sinks {
			if sink != nil {
				s.sinks = append(s.sinks, sink)
			}
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTimeouts bounds the dispatch call and the whole notification fanout.
// Non-positive values keep the defaults.
func WithTimeouts(dispatch, notify time.Duration) Option {
	return func(s *Service) {
		if dispatch > 0 {
			s.dispatchTimeout = dispatch
		}
		if notify > 0 {
			s.notifyTimeout = notify
		}
	}
}

// Service is the business boundary for emergency alerts. It owns the alert
// lifecycle and orchestrates dispatch and contact notification.
type Service struct {
	alerts     AlertStore
	contacts   ContactStore
	health     HealthSource
	codec      Codec
	dispatcher Dispatcher
	notifier   ContactNotifier
	sinks      []EventSink
	metrics    *Metrics
	logger     log.Logger
	now        func() time.Time

	dispatchTimeout time.Duration
	notifyTimeout   time.Duration

	events sync.WaitGroup
}

// NewService creates a new alert service. It panics if a dependency is missing.
func NewService(d Deps, logger log.Logger, opts ...Option) *Service {
	switch {
	case d.Alerts == nil:
		panic(xerrors.New("alert store is required"))
	case d.Contacts == nil:
		panic(xerrors.New("contact store is required"))
	case d.Health == nil:
		panic(xerrors.New("health source is required"))
	case d.Codec == nil:
		panic(xerrors.New("codec is required"))
	case d.Dispatcher == nil:
		panic(xerrors.New("dispatcher is required"))
	case d.Notifier == nil:
		panic(xerrors.New("contact notifier is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}

	s := &Service{
		alerts:          d.Alerts,
		contacts:        d.Contacts,
		health:          d.Health,
		codec:           d.Codec,
		dispatcher:      d.Dispatcher,
		notifier:        d.Notifier,
		logger:          logger,
		now:             time.Now,
		dispatchTimeout: DefaultDispatchTimeout,
		notifyTimeout:   DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// healthRecords is everything read before an alert is created.
type healthRecords struct {
	profile  *Profile
	vitals   []VitalReading
	meds     []Medication
	contacts []*Contact
}

// Trigger raises an alert for subjectID. The alert is durably recorded as
// pending before any external call is made. Dispatch and contact
// notification then run concurrently, detached from ctx cancellation, and
// their outcomes are recorded on the alert before it is returned. A failed
// dispatch or notification does not fail the trigger.
func (s *Service) Trigger(ctx context.Context, subjectID string, req *TriggerRequest) (*Alert, error) {
	start := time.Now()
	if req == nil {
		return nil, &ValidationError{Reason: "empty request"}
	}
	if err := Validate(req); err != nil {
		s.metrics.trigger(req.Method, "invalid", 0)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "emergency.Trigger", trace.WithAttributes(
		attribute.String("sosd.trigger_method", string(req.Method)),
	))
	defer span.End()

	L := s.logger.With("subject_id", subjectID, "trigger_method", req.Method)

	a, recs, snap, err := s.open(ctx, L, subjectID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.trigger(req.Method, "error", 0)
		return nil, err
	}
	span.SetAttributes(attribute.String("sosd.alert.id", a.ID))
	L = L.With("alert_id", a.ID)
	L.Info(ctx, "alert recorded", "contacts", len(recs.contacts))

	ext := context.WithoutCancel(ctx)
	latest := a

	var (
		g        errgroup.Group
		outcomes []NotifyOutcome
	)
	g.Go(func() error {
		res, derr := s.runDispatch(ext, L, &DispatchRequest{
			AlertID:     a.ID,
			SubjectName: recs.profile.FullName,
			Phone:       recs.profile.Phone,
			Location:    a.Location,
			Snapshot:    snap,
		})
		updated, err := s.recordDispatch(ext, L, a, res, derr)
		if updated != nil {
			latest = updated
		}
		return err
	})
	g.Go(func() error {
		outcomes = s.runNotify(ext, L, &Notice{
			AlertID:     a.ID,
			SubjectName: recs.profile.FullName,
			Location:    a.Location,
		}, recs.contacts)
		return nil
	})
	if err := g.Wait(); err != nil {
		L.Error(ctx, err, "failed to persist dispatch outcome")
	}

	if updated, err := s.recordContacts(ext, L, a, outcomes); err != nil {
		L.Error(ctx, err, "failed to persist notification outcome")
	} else if updated != nil {
		latest = updated
	}

	s.metrics.trigger(req.Method, "ok", time.Since(start).Seconds())
	L.Info(ctx, "alert orchestrated",
		"status", latest.Status,
		"responder_notified", latest.ResponderNotified,
		"contacts_notified", latest.ContactsNotified,
		"duration", time.Since(start),
	)

	s.publish(ctx, &Event{Type: EventTriggered, Alert: *latest, SubjectName: recs.profile.FullName, OccurredAt: s.now().UTC()})
	return latest, nil
}

// open reads health records, seals the snapshot and persists the pending alert.
func (s *Service) open(ctx context.Context, L log.Logger, subjectID string, req *TriggerRequest) (*Alert, *healthRecords, *Snapshot, error) {
	recs, err := s.gather(ctx, subjectID)
	if err != nil {
		return nil, nil, nil, err
	}
	if recs.profile == nil {
		L.Warn(ctx, "no profile on record, using placeholder")
		recs.profile = &Profile{SubjectID: subjectID, FullName: "Unknown", DateOfBirth: "unknown"}
	}

	now := s.now()
	snap := BuildSnapshot(recs.profile, recs.vitals, recs.meds, now)
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	sealed, err := s.codec.Encrypt(string(plain))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	a := &Alert{
		ID:                ulid.Make().String(),
		SubjectID:         subjectID,
		Method:            req.Method,
		Location:          Location{Latitude: req.Latitude, Longitude: req.Longitude, Address: req.Address},
		Status:            StatusPending,
		EncryptedSnapshot: sealed,
		TriggeredAt:       now.UTC(),
	}
	if err := s.alerts.Create(ctx, a); err != nil {
		return nil, nil, nil, &StoreError{Op: "create alert", Err: err}
	}
	return a, recs, snap, nil
}

// gather reads the subject's profile, vitals, medications and opted-in
// contacts concurrently.
func (s *Service) gather(ctx context.Context, subjectID string) (*healthRecords, error) {
	var recs healthRecords
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p, ok, err := s.health.Profile(gctx, subjectID)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		if ok {
			recs.profile = p
		}
		return nil
	})
	g.Go(func() error {
		v, err := s.health.RecentVitals(gctx, subjectID, VitalsLimit)
		if err != nil {
			return fmt.Errorf("vitals: %w", err)
		}
		recs.vitals = v
		return nil
	})
	g.Go(func() error {
		m, err := s.health.Medications(gctx, subjectID)
		if err != nil {
			return fmt.Errorf("medications: %w", err)
		}
		recs.meds = m
		return nil
	})
	g.Go(func() error {
		all, err := s.contacts.ListContacts(gctx, subjectID)
		if err != nil {
			return fmt.Errorf("contacts: %w", err)
		}
		for _, c := range all {
			if c.NotifyOnAlert {
				recs.contacts = append(recs.contacts, c)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, fieldcrypt.ErrDecrypt) {
			return nil, fmt.Errorf("read health records: %w", err)
		}
		return nil, &StoreError{Op: "read health records", Err: err}
	}
	return &recs, nil
}

func (s *Service) runDispatch(ctx context.Context, L log.Logger, req *DispatchRequest) (res *DispatchResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: panic: %v", ErrDispatch, r)
		}
		s.metrics.dispatch(res != nil && res.Stub, err, time.Since(start).Seconds())
		if err != nil {
			L.Error(ctx, err, "responder dispatch failed")
			return
		}
		L.Info(ctx, "responder dispatched",
			"dispatch_ref", res.Reference,
			"eta_minutes", res.ETAMinutes,
			"unit", res.AssignedUnit,
			"stub", res.Stub,
		)
	}()

	res, err = s.dispatcher.Dispatch(ctx, req)
	switch {
	case err != nil && !errors.Is(err, ErrDispatch):
		err = fmt.Errorf("%w: %w", ErrDispatch, err)
	case err == nil && res == nil:
		err = fmt.Errorf("%w: empty result", ErrDispatch)
	}
	return res, err
}

// recordDispatch applies the pending -> dispatched transition. If the
// subject closed the alert first the outcome is logged and dropped, and the
// closed alert is returned.
func (s *Service) recordDispatch(ctx context.Context, L log.Logger, a *Alert, res *DispatchResult, dispatchErr error) (*Alert, error) {
	updated, err := s.alerts.Update(ctx, a.SubjectID, a.ID, func(cur *Alert) error {
		return cur.markDispatched(res, dispatchErr)
	})
	if errors.Is(err, ErrInvalidTransition) {
		s.metrics.lateOutcome("dispatch")
		L.Warn(ctx, "dispatch outcome arrived after alert was closed", "responder_notified", dispatchErr == nil)
		return s.reread(ctx, a)
	}
	if err != nil {
		return nil, &StoreError{Op: "record dispatch", Err: err}
	}
	return updated, nil
}

func (s *Service) runNotify(ctx context.Context, L log.Logger, n *Notice, contacts []*Contact) []NotifyOutcome {
	if len(contacts) == 0 {
		L.Warn(ctx, "no contacts opted in to alert notifications")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	outcomes := s.notifier.NotifyContacts(ctx, n, contacts)
	s.metrics.notifications(outcomes)

	delivered := 0
	for _, o := range outcomes {
		if o.Success {
			delivered++
			continue
		}
		L.Error(ctx, o.Err, "contact notification failed", "contact_id", o.ContactID)
	}
	L.Info(ctx, "contacts notified", "delivered", delivered, "total", len(contacts))
	return outcomes
}

// recordContacts sets contacts_notified once both external steps are done.
// It returns a nil alert when there is nothing to record and the stored
// alert when the subject closed it first.
func (s *Service) recordContacts(ctx context.Context, L log.Logger, a *Alert, outcomes []NotifyOutcome) (*Alert, error) {
	if !anySucceeded(outcomes) {
		return nil, nil
	}
	updated, err := s.alerts.Update(ctx, a.SubjectID, a.ID, func(cur *Alert) error {
		_, err := cur.markContactsNotified(outcomes)
		return err
	})
	if errors.Is(err, ErrInvalidTransition) {
		s.metrics.lateOutcome("notification")
		L.Warn(ctx, "notification outcome arrived after alert was closed")
		return s.reread(ctx, a)
	}
	if err != nil {
		return nil, &StoreError{Op: "record notifications", Err: err}
	}
	return updated, nil
}

// reread returns the stored copy of a after a concurrent close, so the
// caller reports what was persisted rather than its stale snapshot.
func (s *Service) reread(ctx context.Context, a *Alert) (*Alert, error) {
	cur, ok, err := s.alerts.Get(ctx, a.SubjectID, a.ID)
	if err != nil {
		return nil, &StoreError{Op: "reread alert", Err: err}
	}
	if !ok {
		return nil, &StoreError{Op: "reread alert", Err: ErrNotFound}
	}
	return cur, nil
}

// Update applies a subject-requested status change.
func (s *Service) Update(ctx context.Context, subjectID, id string, req *UpdateRequest) (*Alert, error) {
	if req == nil {
		return nil, &ValidationError{Reason: "empty request"}
	}
	if err := Validate(req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "emergency.Update", trace.WithAttributes(
		attribute.String("sosd.alert.id", id),
		attribute.String("sosd.alert.status", string(req.Status)),
	))
	defer span.End()

	var from Status
	a, err := s.alerts.Update(ctx, subjectID, id, func(cur *Alert) error {
		from = cur.Status
		return cur.close(req.Status, req.Notes, s.now())
	})
	if from != "" {
		s.metrics.transition(from, req.Status, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, &StoreError{Op: "update alert", Err: err}
	}

	s.logger.Info(ctx, "alert status changed", "alert_id", id, "subject_id", subjectID, "from", from, "to", a.Status)
	s.publish(ctx, &Event{Type: EventUpdated, Alert: *a, OccurredAt: s.now().UTC()})
	return a, nil
}

// Get returns one of the subject's alerts.
func (s *Service) Get(ctx context.Context, subjectID, id string) (*Alert, error) {
	a, ok, err := s.alerts.Get(ctx, subjectID, id)
	if err != nil {
		return nil, &StoreError{Op: "get alert", Err: err}
	}
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// History returns the subject's most recent alerts, newest first. A zero
// limit means DefaultHistoryLimit; others are clamped to 1..MaxHistoryLimit.
func (s *Service) History(ctx context.Context, subjectID string, limit int) ([]*Alert, error) {
	switch {
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit < 1:
		limit = 1
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	alerts, err := s.alerts.ListBySubject(ctx, subjectID, limit)
	if err != nil {
		return nil, &StoreError{Op: "list alerts", Err: err}
	}
	return alerts, nil
}

// OpenSnapshot decrypts the snapshot sealed on a. The error wraps
// fieldcrypt.ErrDecrypt when the ciphertext does not authenticate.
func (s *Service) OpenSnapshot(a *Alert) (*Snapshot, error) {
	plain, err := s.codec.Decrypt(a.EncryptedSnapshot)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", a.ID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(plain), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", a.ID, err)
	}
	return &snap, nil
}

// AddContact registers a contact for subjectID.
func (s *Service) AddContact(ctx context.Context, subjectID string, req *ContactRequest) (*Contact, error) {
	if req == nil {
		return nil, &ValidationError{Reason: "empty request"}
	}
	if err := Validate(req); err != nil {
		return nil, err
	}

	c := &Contact{
		ID:            uuid.NewString(),
		SubjectID:     subjectID,
		Name:          req.Name,
		Relation:      req.Relation,
		Phone:         req.Phone,
		IsPrimary:     req.IsPrimary,
		NotifyOnAlert: req.NotifyOnAlert == nil || *req.NotifyOnAlert,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.contacts.PutContact(ctx, c); err != nil {
		return nil, &StoreError{Op: "put contact", Err: err}
	}
	return c, nil
}

// ListContacts returns every contact registered for subjectID.
func (s *Service) ListContacts(ctx context.Context, subjectID string) ([]*Contact, error) {
	cs, err := s.contacts.ListContacts(ctx, subjectID)
	if err != nil {
		return nil, &StoreError{Op: "list contacts", Err: err}
	}
	return cs, nil
}

// DeleteContact removes one of the subject's contacts.
func (s *Service) DeleteContact(ctx context.Context, subjectID, id string) error {
	ok, err := s.contacts.DeleteContact(ctx, subjectID, id)
	if err != nil {
		return &StoreError{Op: "delete contact", Err: err}
	}
	if !ok {
		return ErrContactNotFound
	}
	return nil
}

// publish hands ev to every sink in the background.
func (s *Service) publish(ctx context.Context, ev *Event) {
	if len(s.sinks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range s.sinks {
		s.events.Add(1)
		go func() {
			defer s.events.Done()
			ctx, cancel := context.WithTimeout(ctx, eventTimeout)
			defer cancel()
			err := sink.Publish(ctx, ev)
			s.metrics.event(err)
			if err != nil {
				s.logger.Error(ctx, err, "failed to publish alert event", "alert_id", ev.Alert.ID, "type", ev.Type)
			}
		}()
	}
}

// Wait blocks until in-flight event deliveries finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.events.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
