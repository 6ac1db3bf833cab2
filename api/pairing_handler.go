package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/tally/id"
)

func (a *API) createPairingCode(w http.ResponseWriter, r *http.Request) {
	var req CreatePairingCodeRequest
	if err := decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	pc, err := a.fiscal.CreatePairingCode(r.Context(), req.TenantID, req.StoreID, req.CreatedBy)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PairingCodeResponse{ID: pc.ID, Code: pc.Code, ExpiresAt: pc.ExpiresAt})
}

func (a *API) redeemPairingCode(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decode(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	dev, credential, err := a.fiscal.RedeemPairingCode(r.Context(), req.Code, req.DeviceName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RedeemResponse{Credential: credential, Device: dev})
}

func (a *API) deactivateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := id.ParseDeviceID(chi.URLParam(r, "deviceId"))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: device id: %w", errBadRequest, err))
		return
	}
	if err := a.fiscal.DeactivateDevice(r.Context(), deviceID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
