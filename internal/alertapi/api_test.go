package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/carecompanion/sosd/internal/authmw"
	"github.com/carecompanion/sosd/internal/dispatch"
	"github.com/carecompanion/sosd/internal/emergency"
	"github.com/carecompanion/sosd/internal/emergency/memstore"
	"github.com/carecompanion/sosd/internal/fieldcrypt"
	"github.com/carecompanion/sosd/internal/notify"
	"github.com/carecompanion/sosd/internal/notify/sms"
)

// headerSubject trusts X-Subject; tests only.
func headerSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sub := r.Header.Get("X-Subject"); sub != "" {
			r = r.WithContext(authmw.WithSubject(r.Context(), sub))
		}
		next.ServeHTTP(w, r)
	})
}

// stubService returns canned values so handlers can be tested in isolation.
type stubService struct {
	alert    *emergency.Alert
	snapshot *emergency.Snapshot
	err      error
	snapErr  error

	gotSubject string
	gotLimit   int
	gotTrigger *emergency.TriggerRequest
}

func (s *stubService) Trigger(_ context.Context, subjectID string, req *emergency.TriggerRequest) (*emergency.Alert, error) {
	s.gotSubject, s.gotTrigger = subjectID, req
	return s.alert, s.err
}

func (s *stubService) Update(_ context.Context, subjectID, _ string, _ *emergency.UpdateRequest) (*emergency.Alert, error) {
	s.gotSubject = subjectID
	return s.alert, s.err
}

func (s *stubService) Get(_ context.Context, subjectID, _ string) (*emergency.Alert, error) {
	s.gotSubject = subjectID
	return s.alert, s.err
}

func (s *stubService) History(_ context.Context, subjectID string, limit int) ([]*emergency.Alert, error) {
	s.gotSubject, s.gotLimit = subjectID, limit
	if s.err != nil {
		return nil, s.err
	}
	if s.alert == nil {
		return nil, nil
	}
	return []*emergency.Alert{s.alert}, nil
}

func (s *stubService) OpenSnapshot(*emergency.Alert) (*emergency.Snapshot, error) {
	return s.snapshot, s.snapErr
}

func (s *stubService) AddContact(_ context.Context, subjectID string, req *emergency.ContactRequest) (*emergency.Contact, error) {
	s.gotSubject = subjectID
	if s.err != nil {
		return nil, s.err
	}
	return &emergency.Contact{ID: "c1", Name: req.Name, Phone: req.Phone}, nil
}

func (s *stubService) ListContacts(_ context.Context, subjectID string) ([]*emergency.Contact, error) {
	s.gotSubject = subjectID
	return nil, s.err
}

func (s *stubService) DeleteContact(_ context.Context, subjectID, _ string) error {
	s.gotSubject = subjectID
	return s.err
}

func newStubRouter(svc AlertService) chi.Router {
	r := chi.NewRouter()
	api := New(nil, svc)
	api.RegisterRoutes(r, headerSubject)
	api.RegisterInternalRoutes(r, authmw.BearerToken("internal-token"))
	return r
}

func do(t *testing.T, h http.Handler, method, path, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q is not JSON: %v", rec.Body.String(), err)
	}
	return body["error"]
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &stubService{})
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(log.Nop(), nil)
}

// Routing and auth

func TestRoutes_RequireSubject(t *testing.T) {
	t.Parallel()

	r := newStubRouter(&stubService{})
	paths := []struct{ method, path string }{
		{http.MethodPost, "/emergency/trigger"},
		{http.MethodGet, "/emergency/history"},
		{http.MethodGet, "/emergency/01ABC"},
		{http.MethodPatch, "/emergency/01ABC"},
		{http.MethodGet, "/emergency/contacts"},
		{http.MethodPost, "/emergency/contacts"},
		{http.MethodDelete, "/emergency/contacts/c1"},
	}
	for _, p := range paths {
		rec := do(t, r, p.method, p.path, "", `{}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without subject = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	r := newStubRouter(&stubService{})
	tests := []struct{ method, path string }{
		{http.MethodPut, "/emergency/trigger"},
		{http.MethodDelete, "/emergency/01ABC"},
		{http.MethodPut, "/emergency/contacts"},
	}
	for _, tt := range tests {
		if rec := do(t, r, tt.method, tt.path, "u1", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tt.method, tt.path, rec.Code)
		}
	}
}

// Error mapping

func TestFail_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"validation", &emergency.ValidationError{Field: "status", Reason: "must be one of"}, http.StatusUnprocessableEntity, false},
		{"not found", emergency.ErrNotFound, http.StatusNotFound, false},
		{"invalid transition", &emergency.TransitionError{From: emergency.StatusPending, To: emergency.StatusResolved}, http.StatusConflict, false},
		{"store unavailable", &emergency.StoreError{Op: "update alert", Err: errors.New("conn reset")}, http.StatusServiceUnavailable, true},
		{"decrypt", fmt.Errorf("open snapshot: %w", fieldcrypt.ErrDecrypt), http.StatusInternalServerError, false},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newStubRouter(&stubService{err: tt.err})
			rec := do(t, r, http.MethodPatch, "/emergency/01ABC", "u1", `{"status":"resolved"}`)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Retry-After") == "1"; got != tt.wantRetry {
				t.Errorf("Retry-After present = %v, want %v", got, tt.wantRetry)
			}
			if errorBody(t, rec) == "" {
				t.Error("error body has no message")
			}
		})
	}
}

func TestDecode_Failures(t *testing.T) {
	t.Parallel()

	r := newStubRouter(&stubService{})
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"trigger_method":`},
		{"wrong type", `{"trigger_method":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, r, http.MethodPost, "/emergency/trigger", "u1", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestDecode_BodyTooLarge(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return http.MaxBytesHandler(next, 64) })
	New(nil, &stubService{}).RegisterRoutes(r, headerSubject)

	body := `{"trigger_method":"button","address":"` + strings.Repeat("x", 200) + `"}`
	if rec := do(t, r, http.MethodPost, "/emergency/trigger", "u1", body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

// Handlers

func TestHandleGetAlert_DecryptFailure(t *testing.T) {
	t.Parallel()

	svc := &stubService{
		alert:   &emergency.Alert{ID: "01ABC", Status: emergency.StatusDispatched},
		snapErr: fmt.Errorf("open snapshot: %w", fieldcrypt.ErrDecrypt),
	}
	rec := do(t, newStubRouter(svc), http.MethodGet, "/emergency/01ABC", "u1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleTrigger_SnapshotFailureStillCreated(t *testing.T) {
	t.Parallel()

	svc := &stubService{
		alert:   &emergency.Alert{ID: "01ABC", Status: emergency.StatusDispatched},
		snapErr: fieldcrypt.ErrDecrypt,
	}
	rec := do(t, newStubRouter(svc), http.MethodPost, "/emergency/trigger", "u1", `{"trigger_method":"button"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "health_snapshot") {
		t.Error("response carries a snapshot that failed to open")
	}
}

func TestHandleHistory_Limit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"", http.StatusOK, 0},
		{"?limit=25", http.StatusOK, 25},
		{"?limit=-3", http.StatusOK, -3},
		{"?limit=ten", http.StatusUnprocessableEntity, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()

			svc := &stubService{}
			rec := do(t, newStubRouter(svc), http.MethodGet, "/emergency/history"+tt.query, "u1", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if svc.gotLimit != tt.wantLimit {
					t.Errorf("limit = %d, want %d", svc.gotLimit, tt.wantLimit)
				}
				if strings.TrimSpace(rec.Body.String()) != "[]" {
					t.Errorf("empty history body = %q, want []", rec.Body.String())
				}
			}
		})
	}
}

func TestHandleDeleteContact(t *testing.T) {
	t.Parallel()

	rec := do(t, newStubRouter(&stubService{}), http.MethodDelete, "/emergency/contacts/c1", "u1", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}

	rec = do(t, newStubRouter(&stubService{err: emergency.ErrContactNotFound}), http.MethodDelete, "/emergency/contacts/c9", "u1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleInternalTrigger(t *testing.T) {
	t.Parallel()

	svc := &stubService{alert: &emergency.Alert{ID: "01ABC", Status: emergency.StatusDispatched}}
	r := newStubRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/triggers", strings.NewReader(`{"subject_id":"u5","trigger_method":"auto","address":"Home"}`))
	req.Header.Set("Authorization", "Bearer internal-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body.String())
	}
	if svc.gotSubject != "u5" || svc.gotTrigger.Method != emergency.TriggerAuto || svc.gotTrigger.Address != "Home" {
		t.Errorf("service saw subject %q request %+v", svc.gotSubject, svc.gotTrigger)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/v1/triggers", strings.NewReader(`{"trigger_method":"auto"}`))
	req.Header.Set("Authorization", "Bearer internal-token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing subject_id status = %d, want 422", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/v1/triggers", strings.NewReader(`{"subject_id":"u5","trigger_method":"auto"}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
}

// End to end through the real service

type flakySender struct{ failTo string }

func (s flakySender) Send(_ context.Context, to, _ string) error {
	if to == s.failTo {
		return errors.New("carrier rejected")
	}
	return nil
}

var testJWTSecret = []byte("api-test-secret")

type e2e struct {
	handler http.Handler
	store   *memstore.Store
	svc     *emergency.Service
}

func newE2E(t *testing.T, dispatcher emergency.Dispatcher, sender notify.Sender) *e2e {
	t.Helper()

	codec, err := fieldcrypt.New("api-test-key")
	if err != nil {
		t.Fatalf("fieldcrypt.New: %v", err)
	}
	store := memstore.New()
	svc := emergency.NewService(emergency.Deps{
		Alerts:     store,
		Contacts:   store,
		Health:     store,
		Codec:      codec,
		Dispatcher: dispatcher,
		Notifier:   notify.NewFanout(sender, log.Nop(), time.Second),
	}, log.Nop())

	r := chi.NewRouter()
	New(log.Nop(), svc).RegisterRoutes(r, authmw.Subject(testJWTSecret))
	return &e2e{handler: r, store: store, svc: svc}
}

func (e *e2e) call(t *testing.T, method, path, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type alertResponse struct {
	emergency.Alert
	HealthSnapshot *emergency.Snapshot `json:"health_snapshot"`
}

func decodeAlert(t *testing.T, rec *httptest.ResponseRecorder) alertResponse {
	t.Helper()
	var out alertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode alert %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *e2e) seed(t *testing.T, subject string, phones ...string) {
	t.Helper()
	e.store.PutProfile(&emergency.Profile{
		SubjectID:         subject,
		FullName:          "Asha Rao",
		Phone:             "+919876543210",
		DateOfBirth:       "1948-02-11",
		MedicalConditions: []string{"Hypertension"},
	})
	for _, p := range phones {
		rec := e.call(t, http.MethodPost, "/emergency/contacts", subject, `{"name":"Contact","relation":"daughter","phone":"`+p+`"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("add contact = %d: %s", rec.Code, rec.Body.String())
		}
	}
}

func TestE2E_TriggerWithStubDispatch(t *testing.T) {
	t.Parallel()

	e := newE2E(t, dispatch.New(dispatch.Options{}), mustStubSMS(t))
	e.seed(t, "u1", "+919800000001", "+919800000002")

	rec := e.call(t, http.MethodPost, "/emergency/trigger", "u1", `{"trigger_method":"button","latitude":12.9716,"longitude":77.5946}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeAlert(t, rec)

	if got.Status != emergency.StatusDispatched || !got.ResponderNotified || !got.ContactsNotified {
		t.Errorf("alert = %+v", got.Alert)
	}
	if !regexp.MustCompile(`^HE-\d{14}$`).MatchString(got.DispatchReference) {
		t.Errorf("dispatch_reference = %q", got.DispatchReference)
	}
	if got.HealthSnapshot == nil || got.HealthSnapshot.PatientName != "Asha Rao" {
		t.Errorf("snapshot = %+v", got.HealthSnapshot)
	}
	if strings.Contains(rec.Body.String(), "v1.") {
		t.Error("response leaked snapshot ciphertext")
	}

	rec = e.call(t, http.MethodGet, "/emergency/"+got.ID, "u1", "")
	if rec.Code != http.StatusOK || decodeAlert(t, rec).HealthSnapshot == nil {
		t.Errorf("GET = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := e.call(t, http.MethodGet, "/emergency/"+got.ID, "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET by another subject = %d, want 404", rec.Code)
	}
}

func TestE2E_DispatchFailureAndPartialNotify(t *testing.T) {
	t.Parallel()

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer gw.Close()

	e := newE2E(t, dispatch.New(dispatch.Options{URL: gw.URL, APIKey: "k"}), flakySender{failTo: "+919800000001"})
	e.seed(t, "u1", "+919800000001", "+919800000002")

	rec := e.call(t, http.MethodPost, "/emergency/trigger", "u1", `{"trigger_method":"voice","address":"14 MG Road"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeAlert(t, rec)
	if got.Status != emergency.StatusDispatched {
		t.Errorf("status = %s, want dispatched", got.Status)
	}
	if got.ResponderNotified {
		t.Error("responder_notified = true after gateway failure")
	}
	if !got.ContactsNotified {
		t.Error("contacts_notified = false with one successful delivery")
	}
	if got.DispatchReference != "" {
		t.Errorf("dispatch_reference = %q, want empty", got.DispatchReference)
	}
}

func TestE2E_Lifecycle(t *testing.T) {
	t.Parallel()

	e := newE2E(t, dispatch.New(dispatch.Options{}), mustStubSMS(t))
	e.seed(t, "u1")

	rec := e.call(t, http.MethodPost, "/emergency/trigger", "u1", `{"trigger_method":"fall_detection"}`)
	id := decodeAlert(t, rec).ID

	rec = e.call(t, http.MethodPatch, "/emergency/"+id, "u1", `{"status":"resolved","notes":"false alarm, neighbour checked in"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve = %d: %s", rec.Code, rec.Body.String())
	}
	resolved := decodeAlert(t, rec)
	if resolved.ResolvedAt == nil || resolved.ResolutionNotes != "false alarm, neighbour checked in" {
		t.Errorf("resolved alert = %+v", resolved.Alert)
	}

	rec = e.call(t, http.MethodPatch, "/emergency/"+id, "u1", `{"status":"cancelled"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel after resolve = %d, want 409", rec.Code)
	}
	rec = e.call(t, http.MethodPatch, "/emergency/"+id, "u1", `{"status":"closed"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown status = %d, want 422", rec.Code)
	}

	rec = e.call(t, http.MethodGet, "/emergency/history?limit=5", "u1", "")
	var hist []emergency.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil || len(hist) != 1 || hist[0].Status != emergency.StatusResolved {
		t.Errorf("history = %s (%v)", rec.Body.String(), err)
	}
}

func TestE2E_Contacts(t *testing.T) {
	t.Parallel()

	e := newE2E(t, dispatch.New(dispatch.Options{}), mustStubSMS(t))

	rec := e.call(t, http.MethodPost, "/emergency/contacts", "u1", `{"name":"Meera","relation":"daughter","phone":"12345"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad phone = %d, want 422", rec.Code)
	}

	rec = e.call(t, http.MethodPost, "/emergency/contacts", "u1", `{"name":"Meera","relation":"daughter","phone":"+919800000001","notify_on_alert":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add = %d: %s", rec.Code, rec.Body.String())
	}
	var c emergency.Contact
	_ = json.Unmarshal(rec.Body.Bytes(), &c)
	if c.NotifyOnAlert {
		t.Error("notify_on_alert = true, want false as requested")
	}

	rec = e.call(t, http.MethodGet, "/emergency/contacts", "u1", "")
	var list []emergency.Contact
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list = %s", rec.Body.String())
	}

	if rec := e.call(t, http.MethodDelete, "/emergency/contacts/"+c.ID, "u2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete by another subject = %d, want 404", rec.Code)
	}
	if rec := e.call(t, http.MethodDelete, "/emergency/contacts/"+c.ID, "u1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", rec.Code)
	}
}

func mustStubSMS(t *testing.T) *sms.Sender {
	t.Helper()
	s, err := sms.New(sms.Options{Logger: log.Nop()})
	if err != nil {
		t.Fatalf("sms.New: %v", err)
	}
	return s
}

// Fuzz

func FuzzTrigger(f *testing.F) {
	svc := &stubService{alert: &emergency.Alert{ID: "01ABC"}}
	r := newStubRouter(svc)

	seeds := []string{
		"",
		"{}",
		`{"trigger_method":"button"}`,
		`{"trigger_method":"voice","latitude":12.9,"longitude":77.5,"address":"Home"}`,
		`{"trigger_method":"button","latitude":"north"}`,
		"{invalid json",
		"\x00\x01\x02\xff\xfe",
		strings.Repeat("a", 10000),
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}

	f.Fuzz(func(t *testing.T, body []byte) {
		req := httptest.NewRequest(http.MethodPost, "/emergency/trigger", strings.NewReader(string(body)))
		req.Header.Set("X-Subject", "fuzz")
		rec := httptest.NewRecorder()

		// Must not panic
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated && rec.Code != http.StatusBadRequest {
			t.Errorf("POST /emergency/trigger with body len=%d = %d, want 201 or 400", len(body), rec.Code)
		}
	})
}
