package domain

import "time"

// LockLevel is the lock mode requested/held.
type LockLevel string

const (
	LockShared    LockLevel = "SHARED"
	LockExclusive LockLevel = "EXCLUSIVE"
)

// Compatible reports whether a and b may coexist on the same resource.
func (a LockLevel) Compatible(b LockLevel) bool {
	return a == LockShared && b == LockShared
}

// Lock is keyed by (resourceType, resourceId).
type Lock struct {
	ResourceType string
	ResourceID   string
	Level        LockLevel
	OwnerInstance string
	OwnerTxn      string
	LockID        string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	LastRenewed   time.Time
}

// Expired reports whether the lock has passed its expiry at instant now.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
