package model

import "github.com/shopspring/decimal"

// TransactionState is the part of a Transaction recorded in audit snapshots.
type TransactionState struct {
	ID          uint64            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ExternalID  string            `json:"external_id"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	GrossAmount decimal.Decimal   `json:"gross_amount"`
	FeePercent  decimal.Decimal   `json:"fee_percent"`
	FeeAmount   decimal.Decimal   `json:"fee_amount"`
	NetAmount   decimal.Decimal   `json:"net_amount"`
	Currency    string            `json:"currency"`
	RefundOfID  *uint64           `json:"refund_of_id,omitempty"`
}

// Equal compares by value; decimals compare numerically.
func (s TransactionState) Equal(o TransactionState) bool {
	return s.ID == o.ID &&
		s.TenantID == o.TenantID &&
		s.ExternalID == o.ExternalID &&
		s.Type == o.Type &&
		s.Status == o.Status &&
		s.GrossAmount.Equal(o.GrossAmount) &&
		s.FeePercent.Equal(o.FeePercent) &&
		s.FeeAmount.Equal(o.FeeAmount) &&
		s.NetAmount.Equal(o.NetAmount) &&
		s.Currency == o.Currency &&
		equalID(s.RefundOfID, o.RefundOfID)
}

// PayoutState is the part of a Payout recorded in audit snapshots.
type PayoutState struct {
	ID               uint64          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Status           PayoutStatus    `json:"status"`
	Currency         string          `json:"currency"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TransactionCount int             `json:"transaction_count"`
	ExternalPayoutID *string         `json:"external_payout_id,omitempty"`
	CarriedIntoID    *uint64         `json:"carried_into_id,omitempty"`
}

// Equal compares by value; decimals compare numerically.
func (s PayoutState) Equal(o PayoutState) bool {
	return s.ID == o.ID &&
		s.TenantID == o.TenantID &&
		s.Status == o.Status &&
		s.Currency == o.Currency &&
		s.TotalAmount.Equal(o.TotalAmount) &&
		s.TransactionCount == o.TransactionCount &&
		equalString(s.ExternalPayoutID, o.ExternalPayoutID) &&
		equalID(s.CarriedIntoID, o.CarriedIntoID)
}

func equalID(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
