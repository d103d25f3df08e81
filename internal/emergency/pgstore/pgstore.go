// Package pgstore provides a PostgreSQL implementation of the emergency
// alert store, contact store and health source.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecompanion/sosd/internal/emergency"
)

var tracer = otel.Tracer("github.com/carecompanion/sosd/internal/emergency/pgstore")

//go:embed schema.sql
var schema string

var (
	_ emergency.AlertStore   = (*Store)(nil)
	_ emergency.ContactStore = (*Store)(nil)
	_ emergency.HealthSource = (*Store)(nil)
)

// Store persists alerts and contacts in PostgreSQL and reads the health
// records other services own. Encrypted columns go through codec.
type Store struct {
	pool  *pgxpool.Pool
	codec emergency.Codec
}

// New applies the schema on pool and returns a ready Store. The pool stays
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool, codec emergency.Codec) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, codec: codec}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const alertColumns = `id, subject_id, trigger_method, latitude, longitude, address, status,
	encrypted_snapshot, dispatch_reference, responder_notified, contacts_notified,
	resolution_notes, resolved_at, triggered_at`

// Create inserts a new alert.
func (s *Store) Create(ctx context.Context, a *emergency.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO emergency_alerts (`+alertColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.SubjectID, string(a.Method), a.Location.Latitude, a.Location.Longitude, a.Location.Address,
		string(a.Status), a.EncryptedSnapshot, a.DispatchReference, a.ResponderNotified, a.ContactsNotified,
		a.ResolutionNotes, a.ResolvedAt, a.TriggeredAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

// Get retrieves one of the subject's alerts.
func (s *Store) Get(ctx context.Context, subjectID, id string) (*emergency.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM emergency_alerts WHERE id = $1 AND subject_id = $2`, id, subjectID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// Update locks the alert row, applies mutate and writes the mutable columns
// back in the same transaction.
func (s *Store) Update(ctx context.Context, subjectID, id string, mutate func(*emergency.Alert) error) (*emergency.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	a, err := scanAlert(tx.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM emergency_alerts WHERE id = $1 AND subject_id = $2 FOR UPDATE`, id, subjectID))
	if err != nil {
		return nil, fail(span, err)
	}
	if a == nil {
		return nil, emergency.ErrNotFound
	}

	if err := mutate(a); err != nil {
		span.SetAttributes(attribute.String("sosd.update.rejected", err.Error()))
		return nil, err
	}

	_, err = tx.Exec(ctx, `UPDATE emergency_alerts SET
		status             = $3,
		dispatch_reference = $4,
		responder_notified = $5,
		contacts_notified  = $6,
		resolution_notes   = $7,
		resolved_at        = $8
	WHERE id = $1 AND subject_id = $2`,
		a.ID, a.SubjectID, string(a.Status), a.DispatchReference, a.ResponderNotified,
		a.ContactsNotified, a.ResolutionNotes, a.ResolvedAt,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("update alert: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return a, nil
}

// ListBySubject returns up to limit alerts, newest first.
func (s *Store) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*emergency.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.ListBySubject", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+alertColumns+` FROM emergency_alerts
		WHERE subject_id = $1 ORDER BY triggered_at DESC, id DESC LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*emergency.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// scanAlert scans a single row into an Alert. Returns (nil, nil) when no
// row is found.
func scanAlert(row pgx.Row) (*emergency.Alert, error) {
	var (
		a              emergency.Alert
		method, status string
	)
	err := row.Scan(
		&a.ID, &a.SubjectID, &method, &a.Location.Latitude, &a.Location.Longitude, &a.Location.Address,
		&status, &a.EncryptedSnapshot, &a.DispatchReference, &a.ResponderNotified, &a.ContactsNotified,
		&a.ResolutionNotes, &a.ResolvedAt, &a.TriggeredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Method = emergency.TriggerMethod(method)
	a.Status = emergency.Status(status)
	a.TriggeredAt = a.TriggeredAt.UTC()
	if a.ResolvedAt != nil {
		t := a.ResolvedAt.UTC()
		a.ResolvedAt = &t
	}
	return &a, nil
}

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(ctx context.Context, c *emergency.Contact) error {
	ctx, span := startSpan(ctx, "pgstore.PutContact", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO emergency_contacts
		(id, subject_id, name, relation, phone, is_primary, notify_on_alert, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			name            = EXCLUDED.name,
			relation        = EXCLUDED.relation,
			phone           = EXCLUDED.phone,
			is_primary      = EXCLUDED.is_primary,
			notify_on_alert = EXCLUDED.notify_on_alert
		WHERE emergency_contacts.subject_id = EXCLUDED.subject_id`,
		c.ID, c.SubjectID, c.Name, c.Relation, c.Phone, c.IsPrimary, c.NotifyOnAlert, c.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert contact: %w", err))
	}
	return nil
}

// ListContacts returns the subject's contacts, oldest first.
func (s *Store) ListContacts(ctx context.Context, subjectID string) ([]*emergency.Contact, error) {
	ctx, span := startSpan(ctx, "pgstore.ListContacts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id::text, subject_id, name, relation, phone, is_primary, notify_on_alert, created_at
		FROM emergency_contacts WHERE subject_id = $1 ORDER BY created_at, id`, subjectID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query contacts: %w", err))
	}
	defer rows.Close()

	var out []*emergency.Contact
	for rows.Next() {
		var c emergency.Contact
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.Name, &c.Relation, &c.Phone, &c.IsPrimary, &c.NotifyOnAlert, &c.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan contact: %w", err))
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate contacts: %w", err))
	}
	return out, nil
}

// DeleteContact removes a contact. It reports false if the subject has no such contact.
func (s *Store) DeleteContact(ctx context.Context, subjectID, id string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.DeleteContact", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM emergency_contacts WHERE id::text = $1 AND subject_id = $2`, id, subjectID)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete contact: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// Profile reads the subject's profile and decrypts its list columns.
func (s *Store) Profile(ctx context.Context, subjectID string) (*emergency.Profile, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Profile", "SELECT")
	defer span.End()

	var (
		p                   = emergency.Profile{SubjectID: subjectID}
		conditions, allergy *string
	)
	err := s.pool.QueryRow(ctx, `SELECT full_name, phone, date_of_birth, gender, medical_history, allergies
		FROM users WHERE id = $1`, subjectID,
	).Scan(&p.FullName, &p.Phone, &p.DateOfBirth, &p.Gender, &conditions, &allergy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("query profile: %w", err))
	}

	if p.MedicalConditions, err = s.decryptList(conditions); err != nil {
		return nil, false, fail(span, fmt.Errorf("medical_history: %w", err))
	}
	if p.Allergies, err = s.decryptList(allergy); err != nil {
		return nil, false, fail(span, fmt.Errorf("allergies: %w", err))
	}
	return &p, true, nil
}

// RecentVitals returns up to limit decrypted readings, newest first.
func (s *Store) RecentVitals(ctx context.Context, subjectID string, limit int) ([]emergency.VitalReading, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentVitals", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT heart_rate, systolic_bp, diastolic_bp, glucose_level, spo2, recorded_at
		FROM vitals WHERE user_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query vitals: %w", err))
	}
	defer rows.Close()

	var out []emergency.VitalReading
	for rows.Next() {
		var (
			v   emergency.VitalReading
			enc [5]*string
		)
		if err := rows.Scan(&enc[0], &enc[1], &enc[2], &enc[3], &enc[4], &v.RecordedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan vitals: %w", err))
		}
		v.RecordedAt = v.RecordedAt.UTC()

		dst := [5]**float64{&v.HeartRate, &v.SystolicBP, &v.DiastolicBP, &v.GlucoseLevel, &v.SpO2}
		for i := range enc {
			if *dst[i], err = s.decryptFloat(enc[i]); err != nil {
				return nil, fail(span, fmt.Errorf("vitals column %d: %w", i, err))
			}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate vitals: %w", err))
	}
	return out, nil
}

// Medications returns every prescription on record in creation order.
func (s *Store) Medications(ctx context.Context, subjectID string) ([]emergency.Medication, error) {
	ctx, span := startSpan(ctx, "pgstore.Medications", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT name, dosage, frequency, is_active
		FROM medications WHERE user_id = $1 ORDER BY created_at, id`, subjectID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query medications: %w", err))
	}
	defer rows.Close()

	var out []emergency.Medication
	for rows.Next() {
		var m emergency.Medication
		if err := rows.Scan(&m.Name, &m.Dosage, &m.Frequency, &m.Active); err != nil {
			return nil, fail(span, fmt.Errorf("scan medication: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate medications: %w", err))
	}
	return out, nil
}

func (s *Store) decryptList(enc *string) ([]string, error) {
	plain, err := s.codec.DecryptOptional(enc)
	if err != nil || plain == nil {
		return []string{}, err
	}
	return emergency.ParseList(*plain), nil
}

func (s *Store) decryptFloat(enc *string) (*float64, error) {
	plain, err := s.codec.DecryptOptional(enc)
	if err != nil || plain == nil {
		return nil, err
	}
	f, err := strconv.ParseFloat(*plain, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reading %q: %w", *plain, err)
	}
	return &f, nil
}

// PutProfile writes a profile with its list columns encrypted in the
// canonical form. Used by seeding and tests; the profile service owns
// these rows in production.
func (s *Store) PutProfile(ctx context.Context, p *emergency.Profile) error {
	conditions, err := s.codec.Encrypt(emergency.EncodeList(p.MedicalConditions))
	if err != nil {
		return fmt.Errorf("encrypt medical_history: %w", err)
	}
	allergies, err := s.codec.Encrypt(emergency.EncodeList(p.Allergies))
	if err != nil {
		return fmt.Errorf("encrypt allergies: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO users (id, full_name, phone, date_of_birth, gender, medical_history, allergies)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			full_name       = EXCLUDED.full_name,
			phone           = EXCLUDED.phone,
			date_of_birth   = EXCLUDED.date_of_birth,
			gender          = EXCLUDED.gender,
			medical_history = EXCLUDED.medical_history,
			allergies       = EXCLUDED.allergies`,
		p.SubjectID, p.FullName, p.Phone, p.DateOfBirth, p.Gender, conditions, allergies,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// AddVitals writes one reading with every recorded value encrypted.
func (s *Store) AddVitals(ctx context.Context, subjectID string, v emergency.VitalReading) error {
	src := [5]*float64{v.HeartRate, v.SystolicBP, v.DiastolicBP, v.GlucoseLevel, v.SpO2}
	var enc [5]*string
	for i, f := range src {
		if f == nil {
			continue
		}
		plain := strconv.FormatFloat(*f, 'f', -1, 64)
		c, err := s.codec.EncryptOptional(&plain)
		if err != nil {
			return fmt.Errorf("encrypt vitals column %d: %w", i, err)
		}
		enc[i] = c
	}

	recorded := v.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO vitals (user_id, heart_rate, systolic_bp, diastolic_bp, glucose_level, spo2, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		subjectID, enc[0], enc[1], enc[2], enc[3], enc[4], recorded,
	)
	if err != nil {
		return fmt.Errorf("insert vitals: %w", err)
	}
	return nil
}

// AddMedication writes one prescription.
func (s *Store) AddMedication(ctx context.Context, subjectID string, m emergency.Medication) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO medications (user_id, name, dosage, frequency, is_active)
		VALUES ($1,$2,$3,$4,$5)`, subjectID, m.Name, m.Dosage, m.Frequency, m.Active)
	if err != nil {
		return fmt.Errorf("insert medication: %w", err)
	}
	return nil
}

// MigrateLegacyLists rewrites medical_history and allergies values that are
// not canonical JSON lists (legacy bare strings) as encrypted canonical
// lists. It returns how many rows were rewritten. Rows that fail to decrypt
// abort the migration.
func (s *Store) MigrateLegacyLists(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.MigrateLegacyLists", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	type row struct {
		id                  string
		conditions, allergy *string
	}
	rows, err := tx.Query(ctx, `SELECT id, medical_history, allergies FROM users
		WHERE medical_history IS NOT NULL OR allergies IS NOT NULL FOR UPDATE`)
	if err != nil {
		return 0, fail(span, fmt.Errorf("query users: %w", err))
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.conditions, &r.allergy); err != nil {
			rows.Close()
			return 0, fail(span, fmt.Errorf("scan user: %w", err))
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fail(span, fmt.Errorf("iterate users: %w", err))
	}

	migrated := 0
	for _, r := range pending {
		conditions, c1, err := s.canonicalize(r.conditions)
		if err != nil {
			return 0, fail(span, fmt.Errorf("user %s medical_history: %w", r.id, err))
		}
		allergies, c2, err := s.canonicalize(r.allergy)
		if err != nil {
			return 0, fail(span, fmt.Errorf("user %s allergies: %w", r.id, err))
		}
		if !c1 && !c2 {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET medical_history = $2, allergies = $3 WHERE id = $1`,
			r.id, conditions, allergies); err != nil {
			return 0, fail(span, fmt.Errorf("rewrite user %s: %w", r.id, err))
		}
		migrated++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.Int("sosd.migrated_rows", migrated))
	return migrated, nil
}

// canonicalize returns the stored value to keep and whether it changed.
func (s *Store) canonicalize(enc *string) (*string, bool, error) {
	if enc == nil {
		return nil, false, nil
	}
	plain, err := s.codec.Decrypt(*enc)
	if err != nil {
		return nil, false, err
	}
	var list []string
	if json.Unmarshal([]byte(plain), &list) == nil && list != nil {
		return enc, false, nil
	}
	canonical := emergency.EncodeList(emergency.ParseList(plain))
	out, err := s.codec.Encrypt(canonical)
	if err != nil {
		return nil, false, err
	}
	return &out, true, nil
}
