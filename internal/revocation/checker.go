package revocation

import (
	"context"
	"log/slog"
	"time"

	"github.com/canopyops/toolgate/authn"
)

// Result is the outcome of a revocation check for a signature-valid token.
type Result struct {
	Valid bool
	// Reason is set only when Valid is false.
	Reason authn.Code

	UserID    string
	CompanyID string
	UserEmail string
	ClientID  string
}

// Checker resolves a credential against the revocation store.
type Checker struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewChecker builds a Checker. A nil logger discards.
func NewChecker(store Store, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Checker{store: store, log: log, now: time.Now}
}

// Check looks the credential up in the store. Three outcomes:
//
//  1. No record: valid but anonymous. Any signed token the store does not
//     track is implicitly trusted with no user attached. This fail-open
//     policy is deliberate, observed behavior; see DESIGN.md before
//     changing it.
//  2. Record in a non-active state: invalid, reason token_revoked.
//  3. Active record: valid with identity fields; the last-used timestamp is
//     updated best-effort and never affects the outcome.
func (c *Checker) Check(ctx context.Context, credential string) (Result, error) {
	rec, err := c.store.Lookup(ctx, credential)
	if err != nil {
		return Result{}, authn.WrapError(authn.CodeRevocationStoreUnavailable, "revocation store query failed", err)
	}
	if rec == nil {
		return Result{Valid: true}, nil
	}
	if rec.State != StateActive {
		return Result{Valid: false, Reason: authn.CodeTokenRevoked}, nil
	}

	if err := c.store.Touch(ctx, credential, c.now()); err != nil {
		c.log.WarnContext(ctx, "revocation.touch.fail", slog.String("err", err.Error()))
	}

	return Result{
		Valid:     true,
		UserID:    rec.UserID,
		CompanyID: rec.CompanyID,
		UserEmail: rec.UserEmail,
		ClientID:  rec.ClientID,
	}, nil
}
