package models

import "github.com/google/uuid"

// SessionRef names the conversation currently being viewed. It is either Pending, holding an
// identifier generated on this device that the server has not yet acknowledged, or Confirmed,
// holding an identifier the server has returned. The zero value means no session has been
// allocated yet.
type SessionRef struct {
	id        string
	confirmed bool
}

// PendingSession allocates a new client-side session identifier.
func PendingSession() SessionRef {
	return SessionRef{id: uuid.New().String()}
}

// PendingSessionID wraps an existing, not yet acknowledged identifier.
func PendingSessionID(id string) SessionRef {
	return SessionRef{id: id}
}

// ConfirmedSession wraps an identifier known to the server.
func ConfirmedSession(id string) SessionRef {
	return SessionRef{id: id, confirmed: true}
}

// ID returns the identifier regardless of state. It is empty for the zero value.
func (s SessionRef) ID() string {
	return s.id
}

// IsZero reports whether no session has been allocated.
func (s SessionRef) IsZero() bool {
	return s.id == ""
}

// Confirmed reports whether the server has acknowledged the identifier.
func (s SessionRef) Confirmed() bool {
	return s.confirmed && s.id != ""
}

// Confirm returns the confirmed form of the session. When serverID is non-empty it supersedes the
// current identifier, which is how an optimistic identifier gets replaced by the server's.
func (s SessionRef) Confirm(serverID string) SessionRef {
	if serverID == "" {
		serverID = s.id
	}
	return ConfirmedSession(serverID)
}

func (s SessionRef) String() string {
	switch {
	case s.IsZero():
		return "none"
	case s.confirmed:
		return "confirmed(" + s.id + ")"
	default:
		return "pending(" + s.id + ")"
	}
}
