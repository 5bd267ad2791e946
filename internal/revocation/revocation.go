// Package revocation answers one question per request: is this credential
// still usable, and who does it belong to. Records are written by the
// external system that issues credentials; this package only reads them and
// keeps the last-used timestamp fresh.
package revocation

import (
	"context"
	"errors"
	"time"
)

// Record lifecycle states. Anything other than StateActive rejects.
const (
	StateActive  = "active"
	StateRevoked = "revoked"
)

// ErrStoreUnavailable reports that the persistent store could not be
// queried. Distinct from "no record found", which is not an error.
var ErrStoreUnavailable = errors.New("revocation: store unavailable")

// Record is the persisted row for an issued credential, keyed by the opaque
// credential value.
type Record struct {
	State      string    `json:"state"`
	UserID     string    `json:"userId"`
	CompanyID  string    `json:"companyId"`
	UserEmail  string    `json:"userEmail"`
	ClientID   string    `json:"clientId"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// Store reads and touches revocation records.
type Store interface {
	// Lookup returns the record for the credential, or (nil, nil) when no
	// record exists. Store-level failures wrap ErrStoreUnavailable.
	Lookup(ctx context.Context, credential string) (*Record, error)

	// Touch updates the record's last-used timestamp. Callers treat failures
	// as non-fatal.
	Touch(ctx context.Context, credential string, at time.Time) error
}
