// Package provider defines Port, the abstract payment processor the core
// calls out to, and two implementations: a thin HTTP adapter and an
// in-memory fake for tests. The core never depends on a concrete
// provider SDK; only this port.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/crowka/paycomponent-module-sub000/internal/domain"
	"github.com/crowka/paycomponent-module-sub000/internal/errs"
)

// CreateInput is the forward-path request to open a transaction with the
// provider.
type CreateInput struct {
	TransactionID    string
	Type             domain.TransactionType
	Amount           decimal.Decimal
	Currency         string
	CustomerID       string
	PaymentMethodRef string
	IdempotencyKey   string
}

// Result is the shape every provider-facing operation returns.
type Result struct {
	Success        bool
	ExternalRef    string
	Status         string
	Metadata       map[string]any
	RequiresAction bool
	Err            *errs.Error
}

// PaymentMethod is an opaque reference to a customer's stored payment
// instrument, as the provider represents it.
type PaymentMethod struct {
	Ref        string
	CustomerID string
	Details    map[string]any
}

// Port is the provider-facing contract. Every method takes context first
// and is safe to call concurrently; implementations must pass
// idempotencyKey through to the provider when it supports one.
type Port interface {
	CreatePayment(ctx context.Context, in CreateInput) (*Result, error)
	ConfirmPayment(ctx context.Context, externalRef string) (*Result, error)
	// GetTransactionStatus returns (nil, nil) if the provider has no
	// record of externalRef at all.
	GetTransactionStatus(ctx context.Context, externalRef string) (*Result, error)
	AddPaymentMethod(ctx context.Context, customerID string, details map[string]any) (*PaymentMethod, error)
	GetPaymentMethods(ctx context.Context, customerID string) ([]*PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, ref string) error
	VerifyWebhookSignature(payload []byte, signature string) bool
}
