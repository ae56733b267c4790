package oncall

import "time"

// User is a provisioned staff member. PinHash is the salted digest, never the PIN.
type User struct {
	ID        int64      `json:"id"`
	PinHash   string     `json:"-"`
	Phone     string     `json:"phone"`
	Name      string     `json:"name"`
	Email     string     `json:"email,omitempty"`
	Division  string     `json:"division"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// UserPatch carries the fields an administrator may change. Nil means unchanged.
type UserPatch struct {
	Phone    *string
	Name     *string
	Email    *string
	Division *string
	PinHash  *string
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.Phone == nil && p.Name == nil && p.Email == nil && p.Division == nil && p.PinHash == nil
}

// Record is one interval during which Phone was the on-call contact for Division.
// EndTime is nil while the record is current.
type Record struct {
	ID        int64      `json:"id"`
	Phone     string     `json:"phone"`
	UserID    int64      `json:"user_id"`
	Division  string     `json:"division"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// Current reports whether the interval is still open.
func (r Record) Current() bool { return r.EndTime == nil }

// EventKind is the persisted audit_log.event_type value. A successful
// authentication is recorded only as EventHandoff.
type EventKind string

const (
	EventFailedAuth  EventKind = "failed_auth"
	EventHandoff     EventKind = "on_call_update"
	EventUserCreated EventKind = "user_created"
	EventUserUpdated EventKind = "admin_update_user"
)

// AuditEntry is an immutable fact. UserID is nil when no user was identified.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Kind      EventKind `json:"event_type"`
	UserID    *int64    `json:"user_id,omitempty"`
	Details   string    `json:"details"`
	IPAddress string    `json:"ip_address"`
	Timestamp time.Time `json:"timestamp"`
}

// Attempt is one call into the front door.
type Attempt struct {
	PIN      string
	CallerID string
	// Origin is the address of the system that relayed the call (the PBX host).
	Origin string
}

// Status is the coarse result handed back to the telephony layer.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

const (
	ReasonInvalidCredentials = "invalid credentials"
	ReasonSystemError        = "system error"
)

// Outcome is what the telephony layer needs to pick a voice prompt.
type Outcome struct {
	Status    Status
	Division  string
	Phone     string
	UserID    int64
	Reason    string
	Retryable bool
	// Err is ErrInvalidCredentials or ErrSystem on failure, nil on success.
	Err error
}

// OK reports whether the handoff committed.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

func success(rec Record) Outcome {
	return Outcome{Status: StatusSuccess, Division: rec.Division, Phone: rec.Phone, UserID: rec.UserID}
}

func invalidCredentials() Outcome {
	return Outcome{Status: StatusFailure, Reason: ReasonInvalidCredentials, Err: ErrInvalidCredentials}
}

func systemError() Outcome {
	return Outcome{Status: StatusFailure, Reason: ReasonSystemError, Retryable: true, Err: ErrSystem}
}
