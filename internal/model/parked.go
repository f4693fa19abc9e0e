package model

import (
	"time"

	"gorm.io/datatypes"
)

// ParkedEvent is a gateway event the consumer stopped retrying in place. The replay
// loop feeds it back into the confirmation state machine until it settles.
type ParkedEvent struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	ExternalID    string         `gorm:"size:128;not null;index" json:"external_id"`
	EventType     string         `gorm:"size:32;not null" json:"event_type"`
	Payload       datatypes.JSON `gorm:"not null" json:"payload"`
	Partition     int            `gorm:"not null;default:0" json:"partition"`
	Offset        int64          `gorm:"column:kafka_offset;not null;default:0" json:"offset"`
	Status        ParkStatus     `gorm:"size:16;not null;index:idx_parked_event_due,priority:1" json:"status"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time      `gorm:"not null;index:idx_parked_event_due,priority:2" json:"next_attempt_at"`
	LastError     string         `gorm:"size:1024" json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ParkedEvent) TableName() string { return "parked_event" }
