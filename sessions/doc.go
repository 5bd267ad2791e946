// Package sessions tracks live, stateful transport channels across the
// small closed set of channel kinds the gateway speaks. All kinds share one
// identity space: a session identifier is minted once per logical session
// and signed so a caller cannot present another user's session.
package sessions
