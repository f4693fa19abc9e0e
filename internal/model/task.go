package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// GatewayTask is a queued instruction for the payment gateway.
// Transfer tasks reference a payout; refund tasks reference the refund transaction.
type GatewayTask struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	Kind          TaskKind        `gorm:"size:16;not null" json:"kind"`
	PayoutID      *uint64         `gorm:"uniqueIndex:ux_gateway_task_payout" json:"payout_id,omitempty"`
	TransactionID *uint64         `gorm:"uniqueIndex:ux_gateway_task_transaction" json:"transaction_id,omitempty"`
	TenantID      string          `gorm:"size:64;not null" json:"tenant_id"`
	ExternalRef   string          `gorm:"size:128" json:"external_ref,omitempty"`
	Destination   string          `gorm:"size:128" json:"destination,omitempty"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	Currency      string          `gorm:"size:3;not null" json:"currency"`
	Status        TaskStatus      `gorm:"size:16;not null;index:idx_gateway_task_due,priority:1" json:"status"`
	Attempts      int             `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time       `gorm:"not null;index:idx_gateway_task_due,priority:2" json:"next_attempt_at"`
	LastError     string          `gorm:"size:512" json:"last_error,omitempty"`
	ResultRef     string          `gorm:"size:128" json:"result_ref,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GatewayTask) TableName() string { return "gateway_task" }
