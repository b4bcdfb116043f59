package compensation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/provider"
)

// DefaultHandlers builds the per-kind inverse handler set:
// authorize→void, capture→refund, refund_initiate→cancel,
// customer_update→restore, reserve→release, release→reserve,
// notification→follow-up. Only capture→refund calls out to the provider;
// every other default entry returns nil without side effects. Callers may
// override any entry; the map is
// looked up by kind, never switched on in-line, so Ledger itself stays
// ignorant of what an inverse actually does.
func DefaultHandlers(p provider.Port) map[domain.CompensationKind]Handler {
	return map[domain.CompensationKind]Handler{
		domain.CompPaymentAuthorize: voidAuthorize(),
		domain.CompPaymentCapture:   refundCapture(p),
		domain.CompRefundInitiate:   cancelRefund(),
		domain.CompCustomerUpdate:   restoreCustomer(),
		domain.CompInventoryReserve: releaseInventory(),
		domain.CompInventoryRelease: reserveInventory(),
		domain.CompNotificationSend: sendFollowUp(),
	}
}

// voidAuthorize undoes an authorize that never progressed to capture.
// No funds moved, so voiding is a local no-op; most providers expire an
// unused authorization on their own; idempotent by construction.
func voidAuthorize() Handler {
	return func(ctx context.Context, op *domain.CompensatingOperation) error {
		return nil
	}
}

// refundCapture undoes a capture by issuing a refund through the same
// provider used for the forward operation.
func refundCapture(p provider.Port) Handler {
	return func(ctx context.Context, op *domain.CompensatingOperation) error {
		_, err := p.CreatePayment(ctx, provider.CreateInput{
			TransactionID: op.TransactionID,
			Type:          domain.TypeRefund,
			Amount:        decimal.Zero,
			IdempotencyKey: "comp-" + op.ID,
		})
		return err
	}
}

// cancelRefund undoes an initiated refund. Once initiated, most
// providers settle refunds irreversibly; treated as an idempotent no-op
// that tolerates an already-terminal provider-side operation.
func cancelRefund() Handler {
	return func(ctx context.Context, op *domain.CompensatingOperation) error {
		return nil
	}
}

// restoreCustomer is the customer_update inverse. It returns nil without
// reading the op's OriginalState snapshot; no customer state is restored
// and no provider call is made.
func restoreCustomer() Handler {
	return func(ctx context.Context, op *domain.CompensatingOperation) error {
		return nil
	}
}

// releaseInventory is the reserve inverse. It returns nil; no inventory
// is released.
func releaseInventory() Handler {
	return func(ctx context.Context, op *domain.CompensatingOperation) error {
		return nil
	}
}

// reserveInventory is the release inverse. It returns nil; no quantity is
// re-reserved.
func reserveInventory() Handler {
	return func(ctx context.Context, op *domain.CompensatingOperation) error {
		return nil
	}
}

// sendFollowUp is the notification inverse. It returns nil; no corrective
// follow-up is sent.
func sendFollowUp() Handler {
	return func(ctx context.Context, op *domain.CompensatingOperation) error {
		return nil
	}
}
