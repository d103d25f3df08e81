package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carecompanion/sosd/internal/emergency"
)

func (a *API) handleAddContact(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	var req emergency.ContactRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := a.svc.AddContact(r.Context(), sub, &req)
	if err != nil {
		a.fail(w, r, err, "failed to add contact")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleListContacts(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	cs, err := a.svc.ListContacts(r.Context(), sub)
	if err != nil {
		a.fail(w, r, err, "failed to list contacts")
		return
	}
	if cs == nil {
		cs = []*emergency.Contact{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *API) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.subject(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteContact(r.Context(), sub, chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err, "failed to delete contact")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
