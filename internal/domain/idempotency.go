package domain

import "time"

// IdempotencyRecord is keyed by the client-supplied key. The record
// itself acts as its own critical section via Locked/ExpiresAt; no
// separate lock object guards it.
type IdempotencyRecord struct {
	Key                string
	Locked             bool
	RequestFingerprint string
	ResourceRef        string
	CachedResponse     []byte

	Attempts      int
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	LastAttemptAt time.Time
}

// IsComplete reports whether this key's operation has a pinned result: a
// ResourceRef set by Associate or a response cached by Complete.
func (r *IdempotencyRecord) IsComplete() bool {
	return r.ResourceRef != "" || r.CachedResponse != nil
}
