package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/id"
)

func (a *API) enqueueDocument(w http.ResponseWriter, r *http.Request) {
	var req fiscal.EnqueueRequest
	if err := decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	doc, err := a.fiscal.Enqueue(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	docID, ok := a.documentID(w, r)
	if !ok {
		return
	}
	doc, err := a.fiscal.Document(r.Context(), docID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) retryDocument(w http.ResponseWriter, r *http.Request) {
	docID, ok := a.documentID(w, r)
	if !ok {
		return
	}
	doc, err := a.fiscal.Retry(r.Context(), docID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) orderStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.fiscal.OrderStatus(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "orderId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) documentID(w http.ResponseWriter, r *http.Request) (id.DocumentID, bool) {
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentId"))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: document id: %w", errBadRequest, err))
		return id.Nil, false
	}
	return docID, true
}
