// Package reconcile implements the periodic consistency checker between
// the internal Transaction store and the external provider's view,
// classifying every discrepancy it finds for operator review.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/eventbus"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
	"github.com/crowka/paycomponent-module-sub000/internal/store"
)

// MismatchKind classifies what a reconciliation pass found.
type MismatchKind string

const (
	MismatchStatus   MismatchKind = "status_mismatch"
	MismatchAmount   MismatchKind = "amount_mismatch"
	MismatchMissing  MismatchKind = "missing"
	MismatchOrphaned MismatchKind = "orphaned"
)

// Severity is how urgently a Mismatch needs operator attention.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Mismatch is one discrepancy between the internal Transaction store and
// the external provider's view of the same transaction.
type Mismatch struct {
	TransactionID string
	ExternalRef   string
	Kind          MismatchKind
	Severity      Severity
	Detail        string
}

// Report is the result of one reconciliation pass. The Reconciler only
// reports; remediation stays operator-triggered through the transaction
// and recovery managers.
type Report struct {
	GeneratedAt time.Time
	Mismatches  []Mismatch
}

// acceptedExternalStatuses maps each internal status to the set of
// external status strings that are NOT a mismatch against it.
var acceptedExternalStatuses = map[domain.Status]map[string]bool{
	domain.StatusPending: {
		"pending": true, "initiated": true, "processing": true,
	},
	domain.StatusProcessing: {
		"processing": true, "in_progress": true, "pending": true,
	},
	domain.StatusCompleted: {
		"completed": true, "succeeded": true, "settled": true,
	},
	domain.StatusFailed: {
		"failed": true, "declined": true, "error": true,
	},
	domain.StatusRolledBack: {
		"voided": true, "reversed": true, "cancelled": true, "refunded": true,
	},
}

func accepts(internal domain.Status, external string) bool {
	return acceptedExternalStatuses[internal][external]
}

// ExternalStatusToInternal is the reverse direction of
// acceptedExternalStatuses, used by CheckExpirations to decide whether an
// external status is unambiguous enough to reconcile a stuck transaction
// terminal, and exported for internal/httpapi's webhook handler to apply
// the same mapping to a provider push notification. Statuses that map to
// more than one internal status (e.g. "pending") are deliberately absent;
// both callers only ever act on a final answer.
func ExternalStatusToInternal(external string) (domain.Status, bool) {
	switch external {
	case "completed", "succeeded", "settled":
		return domain.StatusCompleted, true
	case "failed", "declined", "error":
		return domain.StatusFailed, true
	case "voided", "reversed", "cancelled", "refunded":
		return domain.StatusRolledBack, true
	default:
		return "", false
	}
}

// missingGrace is how long after creation a not-yet-terminal transaction
// (any status) may lack an external counterpart before its absence counts
// as "missing" rather than just not-created-yet.
const missingGrace = 1 * time.Hour

// ExternalLister is an optional ProviderPort capability: a provider able
// to enumerate its own recent transactions lets the Reconciler detect
// orphaned externals (an external record with no internal counterpart).
// provider.Port itself doesn't require this (most providers only support
// per-ref lookups), so Reconcile degrades to skipping the orphaned check
// when the wired provider doesn't implement it, the same optional-capability
// pattern as io.ReaderFrom/http.Flusher.
type ExternalLister interface {
	ListRecentTransactions(ctx context.Context, since time.Time) ([]provider.Result, error)
}

// StatusUpdater is the narrow TransactionManager capability
// CheckExpirations needs to reconcile a stuck transaction terminal.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id string, newStatus domain.Status, errInfo *domain.ErrorInfo) error
}

// StaleScanner is the narrow transaction-manager capability the
// reconciliation tick drives to flag long-stuck PENDING transactions.
type StaleScanner interface {
	ScanStalePending(ctx context.Context) ([]string, error)
}

const (
	// DefaultInterval is how often Start ticks.
	DefaultInterval = 5 * time.Minute
	// DefaultWindow bounds how far back Reconcile looks for transactions
	// to diff against the external system.
	DefaultWindow = 24 * time.Hour
	// DefaultExpirationCutoff is how long a transaction may sit in
	// PROCESSING/RECOVERY_PENDING before CheckExpirations re-checks it.
	DefaultExpirationCutoff = 30 * time.Minute
)

// Reconciler periodically diffs internal state against the provider.
type Reconciler struct {
	store    store.Store
	provider provider.Port
	updater  StatusUpdater
	scanner  StaleScanner
	bus      *eventbus.Bus
	clk      clock.Clock
	logger   *slog.Logger

	interval         time.Duration
	window           time.Duration
	expirationCutoff time.Duration
}

func New(st store.Store, p provider.Port, updater StatusUpdater, scanner StaleScanner, bus *eventbus.Bus, clk clock.Clock, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store: st, provider: p, updater: updater, scanner: scanner, bus: bus, clk: clk, logger: logger,
		interval: DefaultInterval, window: DefaultWindow, expirationCutoff: DefaultExpirationCutoff,
	}
}

// WithInterval overrides the ticker period between reconciliation passes.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithWindow overrides how far back Reconcile looks for transactions to check.
func (r *Reconciler) WithWindow(d time.Duration) *Reconciler {
	if d > 0 {
		r.window = d
	}
	return r
}

// WithExpirationCutoff overrides CheckExpirations' stuck-transaction age threshold.
func (r *Reconciler) WithExpirationCutoff(d time.Duration) *Reconciler {
	if d > 0 {
		r.expirationCutoff = d
	}
	return r
}

// Start runs the reconciliation tick until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("starting reconciler", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping reconciler")
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

// RunOnce executes a single reconciliation cycle and returns its report,
// for callers (tests, an ops CLI) that want the result rather than just
// the side effects of a ticked run.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	return r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) Report {
	report, err := r.Reconcile(ctx)
	if err != nil {
		r.logger.Error("reconciliation pass failed", "error", err)
	}
	if err := r.CheckExpirations(ctx); err != nil {
		r.logger.Error("expiration sweep failed", "error", err)
	}
	if r.scanner != nil {
		if stale, err := r.scanner.ScanStalePending(ctx); err != nil {
			r.logger.Error("stale-pending scan failed", "error", err)
		} else if len(stale) > 0 {
			r.logger.Warn("stale pending transactions flagged", "count", len(stale))
		}
	}
	return report
}

// Reconcile diffs every internal transaction in the lookback window
// against its external counterpart and classifies mismatches. It never
// mutates state.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	report := Report{GeneratedAt: r.clk.Now()}
	cutoff := r.clk.Now().Add(-r.window)

	txns, err := r.store.QueryAllTransactions(ctx, store.Filter{CreatedAfter: cutoff})
	if err != nil {
		return report, fmt.Errorf("query transactions: %w", err)
	}

	for _, t := range txns {
		if m, ok := r.checkOne(ctx, t); ok {
			report.Mismatches = append(report.Mismatches, m)
			r.logger.Warn("reconciliation mismatch", "transaction_id", t.ID, "kind", m.Kind, "severity", m.Severity)
			r.publish(ctx, t.ID, m.Kind)
		}
	}

	if lister, ok := r.provider.(ExternalLister); ok {
		orphaned := r.checkOrphaned(ctx, lister, txns, cutoff)
		report.Mismatches = append(report.Mismatches, orphaned...)
	} else {
		r.logger.Debug("provider does not support listing external transactions, skipping orphaned check")
	}

	return report, nil
}

// checkOne diffs a single internal transaction against the provider's
// view of it, using externalRef when the transaction has one and falling
// back to the transaction id itself.
func (r *Reconciler) checkOne(ctx context.Context, t *domain.Transaction) (Mismatch, bool) {
	ref := t.Metadata.ExternalRef
	if ref == "" {
		ref = t.ID
	}

	res, err := r.provider.GetTransactionStatus(ctx, ref)
	if err != nil {
		r.logger.Error("provider status lookup failed", "transaction_id", t.ID, "error", err)
		return Mismatch{}, false
	}

	if res == nil {
		if t.Status.IsTerminal() || r.clk.Now().Sub(t.CreatedAt) > missingGrace {
			return Mismatch{
				TransactionID: t.ID, ExternalRef: ref, Kind: MismatchMissing, Severity: SeverityHigh,
				Detail: fmt.Sprintf("internal status %s has no external counterpart", t.Status),
			}, true
		}
		return Mismatch{}, false
	}

	if !accepts(t.Status, res.Status) {
		sev := SeverityMedium
		if t.Status == domain.StatusCompleted || externalClaimsCompleted(res.Status) {
			sev = SeverityCritical
		}
		return Mismatch{
			TransactionID: t.ID, ExternalRef: ref, Kind: MismatchStatus, Severity: sev,
			Detail: fmt.Sprintf("internal=%s external=%s", t.Status, res.Status),
		}, true
	}

	if extAmount, ok := externalAmount(res); ok && !extAmount.Equal(t.Amount) {
		return Mismatch{
			TransactionID: t.ID, ExternalRef: ref, Kind: MismatchAmount, Severity: SeverityCritical,
			Detail: fmt.Sprintf("internal=%s external=%s", t.Amount, extAmount),
		}, true
	}

	return Mismatch{}, false
}

func externalClaimsCompleted(status string) bool {
	return status == "completed" || status == "succeeded" || status == "settled"
}

// externalAmount reads an amount back out of a Result's opaque Metadata,
// when the provider chose to attach one; providers that don't are simply
// never amount-checked.
func externalAmount(res *provider.Result) (decimal.Decimal, bool) {
	raw, ok := res.Metadata["amount"]
	if !ok {
		return decimal.Decimal{}, false
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(v), true
	default:
		return decimal.Decimal{}, false
	}
}

func (r *Reconciler) checkOrphaned(ctx context.Context, lister ExternalLister, internal []*domain.Transaction, since time.Time) []Mismatch {
	known := make(map[string]bool, len(internal))
	for _, t := range internal {
		if t.Metadata.ExternalRef != "" {
			known[t.Metadata.ExternalRef] = true
		}
		known[t.ID] = true
	}

	externals, err := lister.ListRecentTransactions(ctx, since)
	if err != nil {
		r.logger.Error("list external transactions failed", "error", err)
		return nil
	}

	var mismatches []Mismatch
	for _, e := range externals {
		if known[e.ExternalRef] {
			continue
		}
		m := Mismatch{ExternalRef: e.ExternalRef, Kind: MismatchOrphaned, Severity: SeverityHigh,
			Detail: "external transaction has no internal counterpart"}
		mismatches = append(mismatches, m)
		r.logger.Warn("reconciliation mismatch", "external_ref", e.ExternalRef, "kind", m.Kind, "severity", m.Severity)
		r.publish(ctx, "", MismatchOrphaned)
	}
	return mismatches
}

// CheckExpirations sweeps transactions stuck past expirationCutoff in a
// non-terminal state, re-checks them against the provider, and reconciles
// them terminal when the provider has an unambiguous final answer our own
// store hasn't caught up to yet. Unlike Reconcile, this does mutate
// state: it is closing a gap between two systems that already agree, not
// flagging a disagreement for a human to resolve.
func (r *Reconciler) CheckExpirations(ctx context.Context) error {
	cutoff := r.clk.Now().Add(-r.expirationCutoff)
	txns, err := r.store.QueryAllTransactions(ctx, store.Filter{
		Status:        []domain.Status{domain.StatusProcessing, domain.StatusRecoveryPending},
		CreatedBefore: cutoff,
	})
	if err != nil {
		return fmt.Errorf("query expiring transactions: %w", err)
	}

	for _, t := range txns {
		ref := t.Metadata.ExternalRef
		if ref == "" {
			continue
		}
		res, err := r.provider.GetTransactionStatus(ctx, ref)
		if err != nil || res == nil {
			continue
		}
		target, ok := ExternalStatusToInternal(res.Status)
		if !ok || target == t.Status {
			continue
		}
		if err := r.updater.UpdateStatus(ctx, t.ID, target, nil); err != nil {
			r.logger.Error("failed to reconcile expired transaction", "transaction_id", t.ID, "target_status", target, "error", err)
		} else {
			r.logger.Info("reconciled stuck transaction against provider status", "transaction_id", t.ID, "target_status", target)
		}
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, txnID string, kind MismatchKind) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, eventbus.Event{
		Topic: eventbus.ReconciliationMismatchFound, TransactionID: txnID,
		Payload: map[string]any{"kind": string(kind)},
	})
}
