package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xraph/tally"
)

// Validator is implemented by payload types that check their own
// invariants after decoding.
type Validator interface {
	Validate() error
}

// Decode strictly decodes raw into T and validates it. Unknown fields are
// rejected. An empty payload decodes to the zero value. Errors wrap
// [tally.ErrInvalidPayload] and are marked permanent.
func Decode[T any](raw []byte) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return v, Permanent(fmt.Errorf("%w: %w", tally.ErrInvalidPayload, err))
		}
	}
	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return v, Permanent(fmt.Errorf("%w: %w", tally.ErrInvalidPayload, err))
		}
	}
	return v, nil
}

// TenantOf extracts an optional tenant identifier from a JSON object
// payload. It looks at "tenantId" then "tenant_id" and returns "" when
// neither is a string.
func TenantOf(raw []byte) string {
	var keys struct {
		Camel *string `json:"tenantId"`
		Snake *string `json:"tenant_id"`
	}
	if err := json.Unmarshal(raw, &keys); err != nil {
		return ""
	}
	if keys.Camel != nil {
		return *keys.Camel
	}
	if keys.Snake != nil {
		return *keys.Snake
	}
	return ""
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The runner dead-letters a run
// as soon as an attempt returns a permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
