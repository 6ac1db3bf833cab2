package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/tally/stream"
)

// keepAliveInterval is how often an idle event stream sends a comment.
const keepAliveInterval = 15 * time.Second

// storeEvents streams one store's events.
func (a *API) storeEvents(w http.ResponseWriter, r *http.Request) {
	a.serveEvents(w, r, []string{stream.StoreTopic(chi.URLParam(r, "storeId"))})
}

// events streams the topics named by repeated ?topic= parameters, or the
// firehose when none are given.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = []string{stream.TopicFirehose}
	}
	a.serveEvents(w, r, topics)
}

// serveEvents writes subscriber messages as server-sent events until the
// client goes away or the broker closes the subscriber. Each written
// message returns its credit.
func (a *API) serveEvents(w http.ResponseWriter, r *http.Request, topics []string) {
	sub, err := a.stream.Subscribe(topics...)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	defer a.stream.Remove(sub)

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case m, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(m)
			if err != nil {
				a.logger.Warn("encode stream message", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, data); err != nil {
				return
			}
			sub.AddCredits(1)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
