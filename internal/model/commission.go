package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionRule is a fee policy valid over [EffectiveFrom, EffectiveUntil).
// A nil TenantID is platform-wide; a nil OfferingType matches every offering type.
type CommissionRule struct {
	ID             uint64          `gorm:"primaryKey" json:"id"`
	TenantID       *string         `gorm:"size:64;index" json:"tenant_id,omitempty"`
	OfferingType   *OfferingType   `gorm:"size:16" json:"offering_type,omitempty"`
	FeePercent     decimal.Decimal `gorm:"type:numeric(7,4);not null" json:"fee_percent"`
	MinimumFee     decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'" json:"minimum_fee"`
	EffectiveFrom  time.Time       `gorm:"not null" json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (CommissionRule) TableName() string { return "commission_rule" }

// ActiveAt reports whether the rule window contains at.
func (r *CommissionRule) ActiveAt(at time.Time) bool {
	if r.EffectiveFrom.After(at) {
		return false
	}
	return r.EffectiveUntil == nil || at.Before(*r.EffectiveUntil)
}
