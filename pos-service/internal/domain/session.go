package domain

import "time"

// Session is one in-progress sale being built by a cashier.
type Session struct {
	ID              string    `json:"sessionId"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// IdleSince reports whether the session has not sent a heartbeat since cutoff.
func (s Session) IdleSince(cutoff time.Time) bool {
	return s.LastHeartbeatAt.Before(cutoff)
}
