package authn

import (
	"errors"
	"fmt"
)

// Code identifies an authentication failure reason. Codes are stable API:
// they appear verbatim as the "errorCode" field of 401 challenge bodies and
// clients branch on them.
type Code string

const (
	CodeTokenMissing               Code = "token_missing"
	CodeTokenMalformed             Code = "token_malformed"
	CodeTokenSignatureInvalid      Code = "token_signature_invalid"
	CodeTokenExpired               Code = "token_expired"
	CodeIssuerMismatch             Code = "issuer_mismatch"
	CodeKeySetUnavailable          Code = "key_set_unavailable"
	CodeTokenRevoked               Code = "token_revoked"
	CodeRevocationStoreUnavailable Code = "revocation_store_unavailable"
	CodeNoCredentialAvailable      Code = "no_credential_available"
)

// Error is a coded authentication error. It wraps the underlying cause (if
// any) so callers can still use errors.Is against lower-level sentinels.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a coded error with a human-readable message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds a coded error preserving the underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the failure code from err. The second return is false when
// err carries no *Error anywhere in its chain.
func CodeOf(err error) (Code, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}
