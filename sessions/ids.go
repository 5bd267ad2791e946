package sessions

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// ErrInvalidSessionID indicates the presented session identifier did not
// parse or verify.
var ErrInvalidSessionID = errors.New("sessions: invalid session id")

// ErrSessionUserMismatch indicates a verified session identifier that is
// bound to a different user than the caller.
var ErrSessionUserMismatch = errors.New("sessions: session belongs to another user")

// IDSigner mints and verifies signed session identifiers. The wire form is
// a compact Ed25519 JWS whose payload binds a random session id to the user
// that created the session, so presenting a stolen identifier under another
// identity fails verification rather than hijacking the session.
type IDSigner struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

type idPayload struct {
	SID string `json:"sid"`
	Sub string `json:"sub"`
}

// NewIDSigner generates a fresh signing key. Identifiers are only valid
// within the process lifetime that minted them, which matches the registry's
// in-process channel tracking.
func NewIDSigner() (*IDSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session signing key: %w", err)
	}
	return &IDSigner{kid: uuid.NewString(), priv: priv, pub: pub}, nil
}

// Mint returns (wireID, sid). The sid is the registry key; the wire id is
// what the client echoes back in the session header.
func (s *IDSigner) Mint(userID string) (string, string, error) {
	sid := uuid.NewString()
	payload, err := json.Marshal(idPayload{SID: sid, Sub: userID})
	if err != nil {
		return "", "", err
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", s.kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: s.priv}, opts)
	if err != nil {
		return "", "", fmt.Errorf("session signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", "", fmt.Errorf("sign session id: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", "", fmt.Errorf("serialize session id: %w", err)
	}
	return compact, sid, nil
}

// Verify checks the wire id's signature and user binding and returns the
// embedded sid.
func (s *IDSigner) Verify(wireID string, userID string) (string, error) {
	jws, err := jose.ParseSigned(wireID, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	payload, err := jws.Verify(s.pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	var p idPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SID == "" {
		return "", ErrInvalidSessionID
	}
	if p.Sub != userID {
		return "", ErrSessionUserMismatch
	}
	return p.SID, nil
}
