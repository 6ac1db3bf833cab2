package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) listCrons(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sched.Entries())
}

func (a *API) enableCron(w http.ResponseWriter, r *http.Request) {
	a.toggleCron(w, r, a.sched.Enable)
}

func (a *API) disableCron(w http.ResponseWriter, r *http.Request) {
	a.toggleCron(w, r, a.sched.Disable)
}

func (a *API) toggleCron(w http.ResponseWriter, r *http.Request, set func(string) error) {
	name := chi.URLParam(r, "name")
	if err := set(name); err != nil {
		a.writeError(w, r, err)
		return
	}
	for _, e := range a.sched.Entries() {
		if e.Name == name {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
