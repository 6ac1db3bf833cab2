package fiscal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/xraph/tally/id"
)

// Device is a paired connector: the bridge between the platform and a
// physical cash register.
type Device struct {
	ID             id.DeviceID `json:"id"`
	TenantID       string      `json:"tenantId"`
	StoreID        string      `json:"storeId"`
	Name           string      `json:"name"`
	CredentialHash string      `json:"-"`
	PairedAt       time.Time   `json:"pairedAt"`
	LastSeenAt     *time.Time  `json:"lastSeenAt,omitempty"`
	Active         bool        `json:"active"`
}

// PairingCode is a short single-use code an operator hands to a device.
type PairingCode struct {
	ID         id.PairingCodeID `json:"id"`
	TenantID   string           `json:"tenantId"`
	StoreID    string           `json:"storeId"`
	Code       string           `json:"code"`
	ExpiresAt  time.Time        `json:"expiresAt"`
	ConsumedAt *time.Time       `json:"consumedAt,omitempty"`
	DeviceID   id.DeviceID      `json:"deviceId"`
	CreatedBy  string           `json:"createdBy,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Redeemable reports whether the code can still be exchanged at now.
func (p *PairingCode) Redeemable(now time.Time) bool {
	return p.ConsumedAt == nil && now.Before(p.ExpiresAt)
}

const (
	// codeAlphabet drops 0/O, 1/I/L for codes read aloud or typed.
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 8

	credentialPrefix = "kkm_"
)

// NewCode returns a random pairing code.
func NewCode() (string, error) {
	// Bytes at or above limit are rejected to keep the draw uniform.
	limit := byte(256 / len(codeAlphabet) * len(codeAlphabet))
	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)
	for len(out) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b < limit && len(out) < codeLength {
				out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			}
		}
	}
	return string(out), nil
}

// NormalizeCode upper-cases a typed code and strips separators, so
// "abcd-efgh" matches "ABCDEFGH".
func NormalizeCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "", " ", "").Replace(s)
}

// NewCredential returns a bearer credential and the hash to store.
func NewCredential() (credential, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	credential = credentialPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return credential, HashCredential(credential), nil
}

// HashCredential returns the stored form of a credential.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
