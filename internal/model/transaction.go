package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction is one money movement tied to a single gateway event.
// Money fields are frozen once Status reaches completed.
type Transaction struct {
	ID               uint64            `gorm:"primaryKey" json:"id"`
	TenantID         string            `gorm:"size:64;not null;index:idx_transaction_tenant_created,priority:1" json:"tenant_id"`
	OfferingID       string            `gorm:"size:64;not null" json:"offering_id"`
	OfferingType     OfferingType      `gorm:"size:16;not null" json:"offering_type"`
	BuyerID          string            `gorm:"size:64" json:"buyer_id"`
	ExternalID       string            `gorm:"size:128;not null;uniqueIndex:ux_transaction_external_id" json:"external_id"`
	Type             TransactionType   `gorm:"size:16;not null" json:"type"`
	Status           TransactionStatus `gorm:"size:16;not null;index" json:"status"`
	GrossAmount      decimal.Decimal   `gorm:"type:numeric(20,8);not null" json:"gross_amount"`
	Currency         string            `gorm:"size:3;not null" json:"currency"`
	FeePercent       decimal.Decimal   `gorm:"type:numeric(7,4);not null;default:0" json:"fee_percent"`
	FeeAmount        decimal.Decimal   `gorm:"type:numeric(20,8);not null;default:0" json:"fee_amount"`
	NetAmount        decimal.Decimal   `gorm:"type:numeric(20,8);not null;default:0" json:"net_amount"`
	CommissionRuleID *uint64           `json:"commission_rule_id,omitempty"`
	RefundOfID       *uint64           `gorm:"uniqueIndex:ux_transaction_refund_of" json:"refund_of_id,omitempty"`
	RefundReason     string            `gorm:"size:255" json:"refund_reason,omitempty"`
	FailureReason    string            `gorm:"size:255" json:"failure_reason,omitempty"`
	Metadata         datatypes.JSON    `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null;index:idx_transaction_tenant_created,priority:2" json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	RefundedAt       *time.Time        `json:"refunded_at,omitempty"`
}

func (Transaction) TableName() string { return "transaction" }

// Snapshot returns the audited view of the row.
func (t *Transaction) Snapshot() TransactionState {
	return TransactionState{
		ID:          t.ID,
		TenantID:    t.TenantID,
		ExternalID:  t.ExternalID,
		Type:        t.Type,
		Status:      t.Status,
		GrossAmount: t.GrossAmount,
		FeePercent:  t.FeePercent,
		FeeAmount:   t.FeeAmount,
		NetAmount:   t.NetAmount,
		Currency:    t.Currency,
		RefundOfID:  t.RefundOfID,
	}
}
