package model

import "time"

type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID uint64    `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	TenantID    string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }

// AllModels lists every table the service migrates.
func AllModels() []interface{} {
	return []interface{}{
		&Transaction{}, &CommissionRule{}, &Payout{}, &PayoutItem{}, &AuditEntry{},
		&PaymentIntent{}, &GatewayTask{}, &OutboxEvent{}, &Offering{}, &TenantAccount{}, &ParkedEvent{},
	}
}
