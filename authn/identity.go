package authn

// Identity is the immutable, request-scoped snapshot of the resolved caller.
//
// Exactly one of two shapes is produced per request: a static-key identity
// (StaticKey true, all other fields empty) or a bearer identity carrying the
// presented credential plus whatever the revocation store knew about it. A
// bearer identity with only Credential set is an anonymous caller: the token
// verified but no revocation record was found for it.
type Identity struct {
	// StaticKey reports that the development static key authenticated this
	// request. Mutually exclusive with the bearer fields below.
	StaticKey bool

	// Credential is the opaque bearer string the caller presented. It is held
	// only so outbound calls can forward it; it is never persisted.
	Credential string

	UserID    string
	CompanyID string
	UserEmail string
	ClientID  string
}

// Anonymous reports whether the identity verified but resolved to no user.
func (id Identity) Anonymous() bool {
	return !id.StaticKey && id.UserID == ""
}
