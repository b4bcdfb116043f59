// Package domain holds the durable aggregates the orchestration core
// operates on: Transaction, IdempotencyRecord, Lock, CompensatingOperation
// and DeadLetterEntry/RetryEntry. These are plain data plus their
// invariants and transition rules; no I/O lives here.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/errs"
)

// TransactionType is the kind of money movement a Transaction represents.
type TransactionType string

const (
	TypePayment     TransactionType = "PAYMENT"
	TypeRefund      TransactionType = "REFUND"
	TypeChargeback  TransactionType = "CHARGEBACK"
)

// Status is the Transaction's position in the state machine.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusProcessing           Status = "PROCESSING"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusRolledBack           Status = "ROLLED_BACK"
	StatusRecoveryPending      Status = "RECOVERY_PENDING"
	StatusRecoveryInProgress   Status = "RECOVERY_IN_PROGRESS"
)

// legalTransitions encodes the permitted state-machine edges. COMPLETED,
// FAILED and ROLLED_BACK are terminal.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusFailed:     true,
		StatusRolledBack: true,
	},
	StatusProcessing: {
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusRecoveryPending: true,
		StatusRolledBack:      true,
	},
	StatusRecoveryPending: {
		StatusRecoveryInProgress: true,
		StatusFailed:             true,
	},
	StatusRecoveryInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// IsTerminal reports whether s has no legal outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// ErrorInfo is the structured error recorded on a failed/rolled-back
// Transaction.
type ErrorInfo struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Metadata carries the few well-known fields the core reads for its own
// decisions, plus an opaque blob for everything else (never interpreted
// by the core).
type Metadata struct {
	ExternalRef       string          `json:"externalRef,omitempty"`
	RecoveryAttempts  int             `json:"recoveryAttempts,omitempty"`
	RecoveredAt       *time.Time      `json:"recoveredAt,omitempty"`
	RetryCancelled    bool            `json:"retryCancelled,omitempty"`
	Opaque            json.RawMessage `json:"opaque,omitempty"`
}

// Transaction is the durable aggregate the transaction manager
// exclusively owns; all other components read it only.
type Transaction struct {
	ID               string
	Type             TransactionType
	Status           Status
	Amount           decimal.Decimal
	Currency         string
	CustomerID       string
	PaymentMethodRef string
	IdempotencyKey   string

	RetryCount int
	Metadata   Metadata
	Error      *ErrorInfo

	NextRetryAt   *time.Time
	LastRetryAt   *time.Time
	RetryReason   string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// CanTransitionTo validates a proposed transition against the legal
// edges.
func (t *Transaction) CanTransitionTo(target Status) error {
	if t.Status.IsTerminal() {
		return errs.New(errs.KindTransactionInvalidState,
			"transaction in terminal state "+string(t.Status)+" cannot transition to "+string(target), nil)
	}
	if legalTransitions[t.Status][target] {
		return nil
	}
	return errs.New(errs.KindTransactionInvalidState,
		"cannot transition from "+string(t.Status)+" to "+string(target), nil)
}

// Validate checks the invariants that are cheap to check in-process
// (uniqueness of idempotencyKey across non-terminal transactions is a
// Store-level invariant, not checked here).
func (t *Transaction) Validate() error {
	if t.Amount.LessThanOrEqual(decimal.Zero) {
		return errs.New(errs.KindValidation, "amount must be > 0", nil)
	}
	if t.Currency == "" {
		return errs.New(errs.KindValidation, "currency is required", nil)
	}
	if t.CustomerID == "" {
		return errs.New(errs.KindValidation, "customerId is required", nil)
	}
	return nil
}
