// Package catalog reads offering and tenant facts owned by the catalog service.
// The ledger never writes to it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
	"gorm.io/gorm"
)

// Catalog answers the two questions the ledger asks.
type Catalog interface {
	Offering(ctx context.Context, offeringID string) (model.Offering, error)
	PayoutDestination(ctx context.Context, tenantID string) (string, error)
}

// GormCatalog reads the replicated catalog projection tables.
type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog { return &GormCatalog{db: db} }

// Offering returns the owning tenant and type of an offering.
func (c *GormCatalog) Offering(ctx context.Context, offeringID string) (model.Offering, error) {
	var o model.Offering
	err := c.db.WithContext(ctx).Where("id = ?", offeringID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return o, fmt.Errorf("offering %s: %w", offeringID, apperr.ErrNotFound)
	}
	return o, err
}

// PayoutDestination returns the tenant's active payout account.
func (c *GormCatalog) PayoutDestination(ctx context.Context, tenantID string) (string, error) {
	var a model.TenantAccount
	err := c.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("payout account of tenant %s: %w", tenantID, apperr.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if !a.Active || a.DestinationAccount == "" {
		return "", fmt.Errorf("%w: payout account of tenant %s is inactive", apperr.ErrValidation, tenantID)
	}
	return a.DestinationAccount, nil
}

// Static is an in-memory catalog for tests and local runs.
type Static struct {
	mu        sync.RWMutex
	offerings map[string]model.Offering
	accounts  map[string]string
}

func NewStatic() *Static {
	return &Static{offerings: map[string]model.Offering{}, accounts: map[string]string{}}
}

// AddOffering registers an offering.
func (s *Static) AddOffering(id, tenantID string, t model.OfferingType) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerings[id] = model.Offering{ID: id, TenantID: tenantID, Type: t}
	return s
}

// SetDestination registers a tenant payout account.
func (s *Static) SetDestination(tenantID, account string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[tenantID] = account
	return s
}

func (s *Static) Offering(_ context.Context, offeringID string) (model.Offering, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offerings[offeringID]
	if !ok {
		return o, fmt.Errorf("offering %s: %w", offeringID, apperr.ErrNotFound)
	}
	return o, nil
}

func (s *Static) PayoutDestination(_ context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[tenantID]
	if !ok {
		return "", fmt.Errorf("payout account of tenant %s: %w", tenantID, apperr.ErrNotFound)
	}
	return a, nil
}
