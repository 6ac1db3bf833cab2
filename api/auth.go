package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/xraph/tally"
	"github.com/xraph/tally/fiscal"
)

type deviceKey struct{}

// deviceFrom returns the device resolved by authenticate.
func deviceFrom(ctx context.Context) *fiscal.Device {
	dev, _ := ctx.Value(deviceKey{}).(*fiscal.Device)
	return dev
}

// authenticate resolves the bearer credential to an active device. Any
// missing, malformed, unknown, or inactive credential is rejected with 401.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, credential, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || credential == "" {
			a.writeError(w, r, tally.ErrUnauthorized)
			return
		}
		dev, err := a.fiscal.Authenticate(r.Context(), strings.TrimSpace(credential))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, dev)))
	})
}
