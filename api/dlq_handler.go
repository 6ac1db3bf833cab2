package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/id"
)

// defaultPurgeAge is how old entries must be for a purge without a cutoff.
const defaultPurgeAge = 30 * 24 * time.Hour

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultPageSize)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	entries, err := a.dlq.DLQStore().ListDLQ(r.Context(), dlq.ListOpts{
		Limit:    limit,
		Offset:   offset,
		JobName:  q.Get("task"),
		TenantID: q.Get("tenant"),
	})
	if err != nil {
		a.writeError(w, r, fmt.Errorf("list dlq: %w", err))
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryID(w, r)
	if !ok {
		return
	}
	entry, err := a.dlq.DLQStore().GetDLQ(r.Context(), entryID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryID(w, r)
	if !ok {
		return
	}
	res, err := a.dlq.Replay(r.Context(), entryID, a.replayer)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := ReplayResponse{
		Task:     res.Task,
		Outcome:  res.Outcome,
		Attempts: res.Attempts,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if !res.DeadLetterID.IsNil() {
		resp.DeadLetterID = res.DeadLetterID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	var req PurgeDLQRequest
	if err := decode(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	before := req.Before
	if before.IsZero() {
		before = a.now().UTC().Add(-defaultPurgeAge)
	}
	count, err := a.dlq.DLQStore().PurgeDLQ(r.Context(), before)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("purge dlq: %w", err))
		return
	}
	a.logger.Info("dlq purged", "before", before, "purged", count)
	writeJSON(w, http.StatusOK, PurgeDLQResponse{Purged: count})
}

func (a *API) dlqCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.dlq.DLQStore().CountDLQ(r.Context())
	if err != nil {
		a.writeError(w, r, fmt.Errorf("count dlq: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, DLQCountResponse{Count: count})
}

func (a *API) entryID(w http.ResponseWriter, r *http.Request) (id.DLQID, bool) {
	entryID, err := id.ParseDLQID(chi.URLParam(r, "entryId"))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: dlq entry id: %w", errBadRequest, err))
		return id.Nil, false
	}
	return entryID, true
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", errBadRequest, raw)
	}
	return n, nil
}
