package domain

import "time"

// CompensationKind identifies the forward operation a CompensatingOperation
// inverts.
type CompensationKind string

const (
	CompPaymentAuthorize CompensationKind = "PAYMENT_AUTHORIZE"
	CompPaymentCapture   CompensationKind = "PAYMENT_CAPTURE"
	CompRefundInitiate   CompensationKind = "REFUND_INITIATE"
	CompCustomerUpdate   CompensationKind = "CUSTOMER_UPDATE"
	CompInventoryReserve CompensationKind = "INVENTORY_RESERVE"
	CompInventoryRelease CompensationKind = "INVENTORY_RELEASE"
	CompNotificationSend CompensationKind = "NOTIFICATION_SEND"
)

// CompensationStatus is the lifecycle of a single compensating operation.
type CompensationStatus string

const (
	CompPending   CompensationStatus = "PENDING"
	CompExecuting CompensationStatus = "EXECUTING"
	CompCompleted CompensationStatus = "COMPLETED"
	CompFailed    CompensationStatus = "FAILED"
	CompSkipped   CompensationStatus = "SKIPPED"
)

// CompensatingOperation is registered before the forward mutation it
// inverts and executed in reverse dependency order on rollback.
type CompensatingOperation struct {
	ID             string
	TransactionID  string
	Kind           CompensationKind
	Params         []byte
	OriginalState  []byte
	ExecutionOrder int
	Dependencies   []string // op ids this op depends on (must run after them forward, before them in rollback)

	Status     CompensationStatus
	RetryCount int
	MaxRetries int

	RegisteredAt time.Time
	ExecutedAt   *time.Time
}
