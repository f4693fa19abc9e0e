package model

import "fmt"

// OfferingType classifies what a buyer paid for. Supplied by the catalog.
type OfferingType string

const (
	OfferingEvent      OfferingType = "event"
	OfferingProduct    OfferingType = "product"
	OfferingFundraiser OfferingType = "fundraiser"
)

var validOfferingTypes = []OfferingType{OfferingEvent, OfferingProduct, OfferingFundraiser}

// IsValid reports whether the value is a known offering type.
func (o OfferingType) IsValid() bool {
	for _, candidate := range validOfferingTypes {
		if candidate == o {
			return true
		}
	}
	return false
}

// ParseOfferingType converts raw input into an OfferingType.
func ParseOfferingType(value string) (OfferingType, error) {
	for _, candidate := range validOfferingTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid offering type %q", value)
}

// TransactionTypeFor maps an offering type onto the ledger transaction type.
func TransactionTypeFor(o OfferingType) TransactionType {
	if o == OfferingFundraiser {
		return TxTypeDonation
	}
	return TxTypePurchase
}

type TransactionType string

const (
	TxTypePurchase TransactionType = "purchase"
	TxTypeDonation TransactionType = "donation"
	TxTypeRefund   TransactionType = "refund"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusRefunded  TransactionStatus = "refunded"
)

// Posted reports whether the transaction's net amount belongs to the tenant balance.
func (s TransactionStatus) Posted() bool {
	return s == TxStatusCompleted || s == TxStatusRefunded
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// IntentState is the payment confirmation state machine position.
type IntentState string

const (
	IntentCreated         IntentState = "intent_created"
	IntentCapturing       IntentState = "capturing"
	IntentCaptured        IntentState = "captured"
	IntentRefundRequested IntentState = "refund_requested"
	IntentRefunded        IntentState = "refunded"
	IntentFailed          IntentState = "failed"
)

// Open reports whether the intent still waits for a terminal capture outcome.
func (s IntentState) Open() bool {
	return s == IntentCreated || s == IntentCapturing
}

type TaskKind string

const (
	TaskTransfer TaskKind = "transfer"
	TaskRefund   TaskKind = "refund"
)

type TaskStatus string

const (
	TaskQueued TaskStatus = "queued"
	TaskDone   TaskStatus = "done"
	TaskFailed TaskStatus = "failed"
)

type ParkStatus string

const (
	ParkWaiting  ParkStatus = "waiting"
	ParkReplayed ParkStatus = "replayed"
	ParkRejected ParkStatus = "rejected"
)

type SubjectType string

const (
	SubjectTransaction SubjectType = "transaction"
	SubjectPayout      SubjectType = "payout"
)

// ParseSubjectType converts raw input into a SubjectType.
func ParseSubjectType(value string) (SubjectType, error) {
	switch SubjectType(value) {
	case SubjectTransaction, SubjectPayout:
		return SubjectType(value), nil
	}
	return "", fmt.Errorf("invalid subject type %q", value)
}
