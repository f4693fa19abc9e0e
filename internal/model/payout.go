package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payout batches a tenant's unsettled net amounts in one currency. At most one pending
// payout per tenant and currency.
type Payout struct {
	ID                 uint64          `gorm:"primaryKey;column:id" json:"id"`
	TenantID           string          `gorm:"size:64;not null;index;uniqueIndex:ux_payout_open,priority:1,where:status = 'pending'" json:"tenant_id"`
	Status             PayoutStatus    `gorm:"size:16;not null;index" json:"status"`
	Currency           string          `gorm:"size:3;not null;uniqueIndex:ux_payout_open,priority:2" json:"currency"`
	PeriodStart        time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd          *time.Time      `json:"period_end,omitempty"`
	TotalAmount        decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'" json:"total_amount"`
	TransactionCount   int             `gorm:"not null;default:0" json:"transaction_count"`
	DestinationAccount string          `gorm:"size:128" json:"destination_account,omitempty"`
	ExternalPayoutID   *string         `gorm:"size:128" json:"external_payout_id,omitempty"`
	FailureReason      string          `gorm:"size:255" json:"failure_reason,omitempty"`
	CarriedIntoID      *uint64         `json:"carried_into_id,omitempty"`
	Version            uint64          `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time       `gorm:"not null" json:"created_at"`
	ScheduledAt        *time.Time      `json:"scheduled_at,omitempty"`
	SettledAt          *time.Time      `json:"settled_at,omitempty"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payout) TableName() string { return "payout" }

// Snapshot returns the audited view of the row.
func (p *Payout) Snapshot() PayoutState {
	return PayoutState{
		ID:               p.ID,
		TenantID:         p.TenantID,
		Status:           p.Status,
		Currency:         p.Currency,
		TotalAmount:      p.TotalAmount,
		TransactionCount: p.TransactionCount,
		ExternalPayoutID: p.ExternalPayoutID,
		CarriedIntoID:    p.CarriedIntoID,
	}
}

// PayoutItem attaches either a transaction or a carried-over payout to a payout.
type PayoutItem struct {
	ID             uint64          `gorm:"primaryKey"`
	PayoutID       uint64          `gorm:"not null;index"`
	TransactionID  *uint64         `gorm:"uniqueIndex:ux_payout_item_transaction"`
	SourcePayoutID *uint64         `gorm:"uniqueIndex:ux_payout_item_source"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CreatedAt      time.Time       `gorm:"not null"`
}

func (PayoutItem) TableName() string { return "payout_item" }
