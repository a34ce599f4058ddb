package mutex

import "time"

// LeaseState is the lease a node writes into a record when it claims it.
// Token is a fencing value unique per acquisition call; renewals and releases
// must present the same (Owner, Token) pair.
type LeaseState struct {
	Owner     string    `json:"owner" bson:"owner"`
	Token     string    `json:"token" bson:"token"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// Live reports whether the lease still excludes other owners at now.
func (s LeaseState) Live(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// LeaseStatus distinguishes a record that was never locked from one whose
// lease was explicitly cleared.
type LeaseStatus uint8

const (
	LeaseMissing LeaseStatus = iota
	LeaseCleared
	LeaseActive
)

func (s LeaseStatus) String() string {
	switch s {
	case LeaseMissing:
		return "missing"
	case LeaseCleared:
		return "cleared"
	case LeaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// LeaseField is the tri-state lease attribute of a record.
type LeaseField struct {
	status LeaseStatus
	state  LeaseState
}

func MissingLease() LeaseField { return LeaseField{status: LeaseMissing} }

func ClearedLease() LeaseField { return LeaseField{status: LeaseCleared} }

func ActiveLease(state LeaseState) LeaseField {
	return LeaseField{status: LeaseActive, state: state}
}

func (f LeaseField) Status() LeaseStatus { return f.status }

// State returns the lease value; ok is false unless the field is active.
func (f LeaseField) State() (state LeaseState, ok bool) {
	if f.status != LeaseActive {
		return LeaseState{}, false
	}
	return f.state, true
}

// Expired reports whether the record can be claimed at now.
func (f LeaseField) Expired(now time.Time) bool {
	if f.status != LeaseActive {
		return true
	}
	return !f.state.Live(now)
}

// HeldBy reports whether the field carries exactly the given owner and token.
func (f LeaseField) HeldBy(owner, token string) bool {
	return f.status == LeaseActive && f.state.Owner == owner && f.state.Token == token
}
