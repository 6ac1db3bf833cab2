package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/tally/id"
)

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := a.fiscal.Heartbeat(r.Context(), deviceFrom(r.Context())); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{OK: true})
}

func (a *API) pullQueue(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	docs, err := a.fiscal.Pull(r.Context(), deviceFrom(r.Context()), req.Limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	items := make([]QueueItem, 0, len(docs))
	for _, d := range docs {
		items = append(items, QueueItem{
			ID:             d.ID,
			OrderID:        d.OrderID,
			IdempotencyKey: d.IdempotencyKey,
			Payload:        d.Payload,
			CreatedAt:      d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) pushResult(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	docID, err := id.ParseDocumentID(req.ReceiptID)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: receiptId: %w", errBadRequest, err))
		return
	}
	doc, err := a.fiscal.Push(r.Context(), deviceFrom(r.Context()), docID, req.Report)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PushResponse{ID: doc.ID, Status: doc.Status, OrderID: doc.OrderID})
}
