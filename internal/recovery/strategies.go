package recovery

import (
	"context"
	"time"

	"github.com/crowka/paycomponent-module-sub000/internal/clock"
	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
)

// Outcome is what a Strategy's Execute call determines about a
// transaction whose true state was unknown.
type Outcome struct {
	Recovered      bool
	ExternalStatus string
}

// Strategy is a pluggable handler that, given a transaction whose outcome
// is unknown, attempts to determine or repair the truth.
type Strategy interface {
	CanHandle(err *errs.Error) bool
	Execute(ctx context.Context, txn *domain.Transaction) (Outcome, error)
	IsGeneral() bool
	Type() string
}

// isCompletedStatus checks an external status against the set of
// provider statuses that mean "settled"; a recovery strategy only needs
// that one answer, not the reconciler's full mapping.
func isCompletedStatus(status string) bool {
	switch status {
	case "completed", "succeeded", "settled":
		return true
	default:
		return false
	}
}

// NetworkRecovery handles provider-communication failures by asking the
// provider for the transaction's true external status.
type NetworkRecovery struct {
	provider provider.Port
}

func NewNetworkRecovery(p provider.Port) *NetworkRecovery {
	return &NetworkRecovery{provider: p}
}

func (s *NetworkRecovery) Type() string     { return "network" }
func (s *NetworkRecovery) IsGeneral() bool  { return false }
func (s *NetworkRecovery) CanHandle(err *errs.Error) bool {
	return err.Kind == errs.KindProviderCommunication
}

func (s *NetworkRecovery) Execute(ctx context.Context, txn *domain.Transaction) (Outcome, error) {
	ref := txn.Metadata.ExternalRef
	if ref == "" {
		return Outcome{}, nil
	}
	res, err := s.provider.GetTransactionStatus(ctx, ref)
	if err != nil {
		return Outcome{}, err
	}
	if res == nil {
		return Outcome{}, nil
	}
	return Outcome{Recovered: isCompletedStatus(res.Status), ExternalStatus: res.Status}, nil
}

// DefaultMaxWait is TimeoutRecovery's default abandonment threshold.
const DefaultMaxWait = 60 * time.Second

// TimeoutRecovery behaves like NetworkRecovery but first waits for late
// settlement, honouring a bounded maxWaitTime before declaring
// abandonment.
type TimeoutRecovery struct {
	provider provider.Port
	clk      clock.Clock
	maxWait  time.Duration
}

func NewTimeoutRecovery(p provider.Port, clk clock.Clock, maxWait time.Duration) *TimeoutRecovery {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &TimeoutRecovery{provider: p, clk: clk, maxWait: maxWait}
}

func (s *TimeoutRecovery) Type() string    { return "timeout" }
func (s *TimeoutRecovery) IsGeneral() bool { return false }
func (s *TimeoutRecovery) CanHandle(err *errs.Error) bool {
	return err.Kind == errs.KindTimeout
}

func (s *TimeoutRecovery) Execute(ctx context.Context, txn *domain.Transaction) (Outcome, error) {
	elapsed := s.clk.Now().Sub(txn.UpdatedAt)
	if elapsed >= s.maxWait {
		return Outcome{}, nil
	}

	wait := s.maxWait - elapsed
	if wait > 3*time.Second {
		wait = 3 * time.Second
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	ref := txn.Metadata.ExternalRef
	if ref == "" {
		return Outcome{}, nil
	}
	res, err := s.provider.GetTransactionStatus(ctx, ref)
	if err != nil {
		return Outcome{}, err
	}
	if res == nil {
		return Outcome{}, nil
	}
	return Outcome{Recovered: isCompletedStatus(res.Status), ExternalStatus: res.Status}, nil
}

// GeneralRecovery is the last-resort strategy: it never confirms an
// outcome, leaving the transaction to be dead-lettered for manual review.
type GeneralRecovery struct{}

func NewGeneralRecovery() *GeneralRecovery { return &GeneralRecovery{} }

func (s *GeneralRecovery) Type() string                        { return "general" }
func (s *GeneralRecovery) IsGeneral() bool                      { return true }
func (s *GeneralRecovery) CanHandle(err *errs.Error) bool       { return true }
func (s *GeneralRecovery) Execute(ctx context.Context, txn *domain.Transaction) (Outcome, error) {
	return Outcome{Recovered: false}, nil
}
