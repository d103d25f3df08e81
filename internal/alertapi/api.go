// Package alertapi exposes the emergency alert service over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/carecompanion/sosd/internal/authmw"
	"github.com/carecompanion/sosd/internal/emergency"
	"github.com/carecompanion/sosd/internal/fieldcrypt"
)

// AlertService defines the business operations alertapi needs.
type AlertService interface {
	Trigger(ctx context.Context, subjectID string, req *emergency.TriggerRequest) (*emergency.Alert, error)
	Update(ctx context.Context, subjectID, id string, req *emergency.UpdateRequest) (*emergency.Alert, error)
	Get(ctx context.Context, subjectID, id string) (*emergency.Alert, error)
	History(ctx context.Context, subjectID string, limit int) ([]*emergency.Alert, error)
	OpenSnapshot(a *emergency.Alert) (*emergency.Snapshot, error)
	AddContact(ctx context.Context, subjectID string, req *emergency.ContactRequest) (*emergency.Contact, error)
	ListContacts(ctx context.Context, subjectID string) ([]*emergency.Contact, error)
	DeleteContact(ctx context.Context, subjectID, id string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    AlertService
}

// New creates a new API handler.
func New(logger log.Logger, svc AlertService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("alert service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches the subject-facing endpoints. auth must place the
// authenticated subject in the request context (see authmw.Subject).
func (a *API) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/emergency", func(r chi.Router) {
		r.Use(auth)

		r.Post("/trigger", a.handleTrigger)
		r.Get("/history", a.handleHistory)

		r.Post("/contacts", a.handleAddContact)
		r.Get("/contacts", a.handleListContacts)
		r.Delete("/contacts/{id}", a.handleDeleteContact)

		r.Get("/{id}", a.handleGetAlert)
		r.Patch("/{id}", a.handleUpdateAlert)
	})
}

// RegisterInternalRoutes attaches endpoints for device gateways and
// schedulers that act on behalf of a subject.
func (a *API) RegisterInternalRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(auth)
		r.Post("/triggers", a.handleInternalTrigger)
	})
}

// subject returns the authenticated subject or writes a 401.
func (a *API) subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	sub, ok := authmw.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sosd.subject.id", sub))
	return sub, true
}

// decode reads a JSON body into v and writes 400 or 413 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "empty request body")
	default:
		writeError(w, http.StatusBadRequest, "invalid payload")
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a service error to a response. Unexpected errors are logged.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var ve *emergency.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, ve.Error())
	case errors.Is(err, emergency.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, emergency.ErrContactNotFound):
		writeError(w, http.StatusNotFound, "contact not found")
	case errors.Is(err, emergency.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrStoreUnavailable):
		a.logger.Error(r.Context(), err, msg)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable, retry")
	case errors.Is(err, fieldcrypt.ErrDecrypt):
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "health record could not be decrypted")
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
