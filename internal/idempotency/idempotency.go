// Package idempotency implements request deduplication by
// client-supplied key: a create-row-then-compare-fingerprint flow shared
// by every externally triggered operation instead of being repeated per
// operation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// DefaultTTL bounds how long a key stays locked before it's considered
// abandoned (its owning process crashed mid-request) and eligible for
// reclaim by a retrying caller.
const DefaultTTL = 2 * time.Minute

// Outcome classifies what CheckAndLock found for a given key.
type Outcome int

const (
	// Fresh means no record existed; the caller holds the lock and should
	// proceed with the operation.
	Fresh Outcome = iota
	// Replay means a prior request with the same fingerprint already
	// completed; CachedResponse is the response to return verbatim.
	Replay
	// InProgress means a prior request with the same fingerprint is still
	// being processed (its lock hasn't expired); the caller should poll or
	// reject with a retry-later response.
	InProgress
	// Mismatch means a record exists for this key but its fingerprint
	// differs from the current request: the client reused a key for a
	// different payload.
	Mismatch
	// Reclaimed means a prior holder's lock expired without completing;
	// the caller now holds the lock and should proceed, effectively a
	// retry of the original request.
	Reclaimed
)

// Decision is CheckAndLock's result.
type Decision struct {
	Outcome        Outcome
	CachedResponse []byte
	ResourceRef    string
}

// Fingerprint returns the canonical SHA-256 hex digest of a request body,
// the comparison CheckAndLock uses to detect key reuse against a different
// payload.
func Fingerprint(body any) (string, error) {
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request for fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Manager owns the idempotency-record lifecycle.
type Manager struct {
	mu    sync.Mutex
	store store.Store
	clk   clock.Clock
	bus   *eventbus.Bus
	ttl   time.Duration
}

func New(st store.Store, bus *eventbus.Bus, clk clock.Clock) *Manager {
	return &Manager{store: st, clk: clk, bus: bus, ttl: DefaultTTL}
}

// WithTTL overrides the lock-hold TTL, for callers (internal/config) that
// source it from the environment instead of accepting DefaultTTL.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// CheckAndLock is the single entry point every operation calls before
// doing any work: it either locks a fresh key for the caller, detects a
// duplicate/replay, or flags a fingerprint mismatch.
func (m *Manager) CheckAndLock(ctx context.Context, key, fingerprint string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	existing, err := m.store.GetIdempotencyRecord(ctx, key)
	if err != nil && err != store.ErrNotFound {
		return Decision{}, fmt.Errorf("get idempotency record: %w", err)
	}

	if err == store.ErrNotFound {
		rec := &domain.IdempotencyRecord{
			Key:                key,
			Locked:             true,
			RequestFingerprint: fingerprint,
			AcquiredAt:         now,
			ExpiresAt:          now.Add(m.ttl),
			LastAttemptAt:      now,
			Attempts:           1,
		}
		if err := m.store.SaveIdempotencyRecord(ctx, rec); err != nil {
			return Decision{}, fmt.Errorf("save idempotency record: %w", err)
		}
		m.publish(ctx, eventbus.IdempotencyKeyCreated, key)
		return Decision{Outcome: Fresh}, nil
	}

	if existing.RequestFingerprint != fingerprint {
		m.publish(ctx, eventbus.IdempotencyReplayDetected, key)
		return Decision{Outcome: Mismatch}, errs.New(errs.KindIdempotencyReplay,
			"idempotency key reused with a different request body", nil)
	}

	if existing.IsComplete() {
		m.publish(ctx, eventbus.IdempotencyDuplicateRequest, key)
		return Decision{Outcome: Replay, CachedResponse: existing.CachedResponse, ResourceRef: existing.ResourceRef}, nil
	}

	if existing.Locked && now.Before(existing.ExpiresAt) {
		return Decision{Outcome: InProgress}, nil
	}

	// Locked but expired (the original holder crashed mid-request), or
	// unlocked without a pinned result (released or swept). Reclaim the key
	// for this caller.
	existing.Locked = true
	existing.Attempts++
	existing.AcquiredAt = now
	existing.ExpiresAt = now.Add(m.ttl)
	existing.LastAttemptAt = now
	if err := m.store.SaveIdempotencyRecord(ctx, existing); err != nil {
		return Decision{}, fmt.Errorf("save reclaimed idempotency record: %w", err)
	}
	return Decision{Outcome: Reclaimed}, nil
}

// Associate pins the resource a key's operation produced. Called exactly
// once per key, when the operation reaches a terminal state; a set
// ResourceRef is what makes future CheckAndLock calls replay instead of
// reporting the key in progress.
func (m *Manager) Associate(ctx context.Context, key, resourceRef string) error {
	rec, err := m.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("get idempotency record: %w", err)
	}
	rec.ResourceRef = resourceRef
	return m.store.SaveIdempotencyRecord(ctx, rec)
}

// Complete marks the key finished and caches the response for future
// replay, unlocking it.
func (m *Manager) Complete(ctx context.Context, key string, response []byte) error {
	rec, err := m.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("get idempotency record: %w", err)
	}
	rec.Locked = false
	rec.CachedResponse = response
	if err := m.store.SaveIdempotencyRecord(ctx, rec); err != nil {
		return err
	}
	m.publish(ctx, eventbus.IdempotencyLockReleased, key)
	return nil
}

// ReleaseLock unlocks key without caching a response, letting the next
// CheckAndLock call for it start over, used when the operation failed in
// a way that should allow a fresh attempt rather than a cached replay.
func (m *Manager) ReleaseLock(ctx context.Context, key string) error {
	rec, err := m.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("get idempotency record: %w", err)
	}
	rec.Locked = false
	rec.ExpiresAt = m.clk.Now()
	if err := m.store.SaveIdempotencyRecord(ctx, rec); err != nil {
		return err
	}
	m.publish(ctx, eventbus.IdempotencyLockReleased, key)
	return nil
}

// Stats summarizes the current idempotency table for observability.
type Stats struct {
	Total           int
	Locked          int
	Completed       int
	Expired         int
	AverageAttempts float64
	OldestRecord    time.Time
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	records, err := m.store.QueryAllIdempotencyRecords(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("query idempotency records: %w", err)
	}

	now := m.clk.Now()
	var s Stats
	s.Total = len(records)
	var totalAttempts int
	for _, r := range records {
		if r.IsComplete() {
			s.Completed++
		}
		if r.Locked {
			s.Locked++
			if now.After(r.ExpiresAt) {
				s.Expired++
			}
		}
		totalAttempts += r.Attempts
		if s.OldestRecord.IsZero() || r.AcquiredAt.Before(s.OldestRecord) {
			s.OldestRecord = r.AcquiredAt
		}
	}
	if s.Total > 0 {
		s.AverageAttempts = float64(totalAttempts) / float64(s.Total)
	}
	return s, nil
}

// ValidateKey enforces the accepted key format: length >= 8,
// alphanumerics plus '-' and '_'.
func ValidateKey(key string) error {
	if len(key) < 8 {
		return errs.New(errs.KindValidation, "idempotency key must be at least 8 characters", nil)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			continue
		default:
			return errs.New(errs.KindValidation, "idempotency key must be alphanumeric plus '-'/'_'", nil)
		}
	}
	return nil
}

// Sweep scans for locked-and-expired records and unlocks them so a future
// CheckAndLock call can reclaim the key, instead of waiting for the next
// request to that key to do the reclaim inline. Intended to run
// periodically in the background.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	records, err := m.store.QueryAllIdempotencyRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("query idempotency records: %w", err)
	}

	now := m.clk.Now()
	swept := 0
	for _, r := range records {
		if r.Locked && now.After(r.ExpiresAt) {
			r.Locked = false
			if err := m.store.SaveIdempotencyRecord(ctx, r); err != nil {
				return swept, fmt.Errorf("sweep idempotency record %s: %w", r.Key, err)
			}
			swept++
		}
	}
	return swept, nil
}

func (m *Manager) publish(ctx context.Context, topic eventbus.Topic, key string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, eventbus.Event{Topic: topic, Payload: map[string]any{"idempotency_key": key}})
}

// RunSweep runs Sweep on interval until ctx is cancelled.
func (m *Manager) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.Sweep(ctx)
		}
	}
}
