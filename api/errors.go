package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/tally"
	"github.com/xraph/tally/cron"
	"github.com/xraph/tally/fiscal"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// errRateLimited is returned when a device pulls faster than allowed.
var errRateLimited = errors.New("api: rate limit exceeded")

// errBadRequest marks malformed requests that never reached a service.
var errBadRequest = errors.New("api: bad request")

// statusOf maps an error to an HTTP status and a stable error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, tally.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, tally.ErrDLQNotFound),
		errors.Is(err, tally.ErrDocumentNotFound),
		errors.Is(err, tally.ErrDeviceNotFound),
		errors.Is(err, cron.ErrUnknownEntry):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, tally.ErrConflictingResult),
		errors.Is(err, tally.ErrInvalidState),
		errors.Is(err, tally.ErrPairingCodeCollision):
		return http.StatusConflict, "conflict"
	case errors.Is(err, tally.ErrInvalidPairingCode):
		return http.StatusBadRequest, "invalid_pairing_code"
	case errors.Is(err, tally.ErrInvalidPayload), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, fiscal.ErrNoAdapter):
		return http.StatusUnprocessableEntity, "no_adapter"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, tally.ErrLockStoreUnavailable), errors.Is(err, tally.ErrStoreClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError renders err as an ErrorResponse. Validation failures list
// the offending fields.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		resp.Error = "validation_failed"
		resp.Fields = make(map[string]string, len(ve))
		for _, fe := range ve {
			resp.Fields[fe.StructNamespace()] = fe.Error()
		}
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into out. An empty body leaves out untouched
// when allowEmpty is set.
func decode(r *http.Request, out any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: decode body: %w", errBadRequest, err)
	}
	return nil
}
