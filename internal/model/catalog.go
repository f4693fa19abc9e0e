package model

// Offering is the catalog's read-only projection of a sellable item.
type Offering struct {
	ID       string       `gorm:"primaryKey;size:64"`
	TenantID string       `gorm:"size:64;not null;index"`
	Type     OfferingType `gorm:"size:16;not null"`
}

func (Offering) TableName() string { return "catalog_offering" }

// TenantAccount is the catalog's read-only projection of a tenant's payout destination.
type TenantAccount struct {
	TenantID           string `gorm:"primaryKey;size:64"`
	DestinationAccount string `gorm:"size:128;not null"`
	Active             bool   `gorm:"not null;default:true"`
}

func (TenantAccount) TableName() string { return "catalog_tenant_account" }
