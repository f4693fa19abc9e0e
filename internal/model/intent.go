package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentIntent tracks the confirmation state machine of one gateway payment.
type PaymentIntent struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	ExternalID    string          `gorm:"size:128;not null;uniqueIndex:ux_payment_intent_external_id" json:"external_id"`
	TenantID      string          `gorm:"size:64;not null;index" json:"tenant_id"`
	OfferingID    string          `gorm:"size:64;not null" json:"offering_id"`
	OfferingType  OfferingType    `gorm:"size:16;not null" json:"offering_type"`
	BuyerID       string          `gorm:"size:64" json:"buyer_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	Currency      string          `gorm:"size:3;not null" json:"currency"`
	State         IntentState     `gorm:"size:24;not null;index:idx_payment_intent_state_event,priority:1" json:"state"`
	TransactionID *uint64         `json:"transaction_id,omitempty"`
	FailureReason string          `gorm:"size:255" json:"failure_reason,omitempty"`
	LastEventAt   time.Time       `gorm:"not null;index:idx_payment_intent_state_event,priority:2" json:"last_event_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentIntent) TableName() string { return "payment_intent" }
