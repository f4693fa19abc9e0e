package model

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAuditImmutable is returned when anything tries to change a written audit entry.
var ErrAuditImmutable = errors.New("audit entries are append-only")

// AuditEntry records one state change of a transaction or payout.
type AuditEntry struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	TenantID    string         `gorm:"size:64;not null;index" json:"tenant_id"`
	SubjectType SubjectType    `gorm:"size:16;not null;index:idx_audit_subject,priority:1" json:"subject_type"`
	SubjectID   uint64         `gorm:"not null;index:idx_audit_subject,priority:2" json:"subject_id"`
	ChangeType  string         `gorm:"size:64;not null" json:"change_type"`
	Before      datatypes.JSON `gorm:"type:jsonb" json:"before,omitempty"`
	After       datatypes.JSON `gorm:"type:jsonb;not null" json:"after"`
	Actor       string         `gorm:"size:64;not null" json:"actor"`
	Reason      string         `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_entry" }

func (a *AuditEntry) BeforeUpdate(tx *gorm.DB) error { return ErrAuditImmutable }

func (a *AuditEntry) BeforeDelete(tx *gorm.DB) error { return ErrAuditImmutable }
