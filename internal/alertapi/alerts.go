package alertapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carecompanion/sosd/internal/emergency"
)

// alertView is an alert as its owner sees it, with the snapshot opened.
type alertView struct {
	*emergency.Alert
	HealthSnapshot *emergency.Snapshot `json:"health_snapshot,omitempty"`
}

// internalTriggerRequest is a trigger raised on a subject's behalf.
type internalTriggerRequest struct {
	SubjectID string `json:"subject_id"`
	emergency.TriggerRequest
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	var req emergency.TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	a.trigger(w, r, sub, &req)
}

func (a *API) handleInternalTrigger(w http.ResponseWriter, r *http.Request) {
	var req internalTriggerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation failed: subject_id: is required")
		return
	}
	a.trigger(w, r, req.SubjectID, &req.TriggerRequest)
}

func (a *API) trigger(w http.ResponseWriter, r *http.Request, subjectID string, req *emergency.TriggerRequest) {
	al, err := a.svc.Trigger(r.Context(), subjectID, req)
	if err != nil {
		a.fail(w, r, err, "failed to trigger alert")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("sosd.alert.id", al.ID),
		attribute.String("sosd.alert.status", string(al.Status)),
	)

	// the alert already exists, so a snapshot that will not open is only logged
	view := alertView{Alert: al}
	if snap, err := a.svc.OpenSnapshot(al); err != nil {
		a.logger.Error(r.Context(), err, "failed to open snapshot of new alert", "alert_id", al.ID)
	} else {
		view.HealthSnapshot = snap
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sosd.alert.id", id))

	al, err := a.svc.Get(r.Context(), sub, id)
	if err != nil {
		a.fail(w, r, err, "failed to get alert")
		return
	}
	snap, err := a.svc.OpenSnapshot(al)
	if err != nil {
		a.fail(w, r, err, "failed to open snapshot")
		return
	}
	writeJSON(w, http.StatusOK, alertView{Alert: al, HealthSnapshot: snap})
}

func (a *API) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sosd.alert.id", id))

	var req emergency.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	al, err := a.svc.Update(r.Context(), sub, id, &req)
	if err != nil {
		a.fail(w, r, err, "failed to update alert")
		return
	}
	writeJSON(w, http.StatusOK, alertView{Alert: al})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation failed: limit: must be an integer")
			return
		}
		limit = n
	}

	alerts, err := a.svc.History(r.Context(), sub, limit)
	if err != nil {
		a.fail(w, r, err, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*emergency.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
