// Package commission resolves the platform fee applied to a capture.
//
// Resolution is a pure lookup over an immutable rule set: callers pass the
// as-of instant so the same inputs always produce the same quote.
package commission

import (
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// DefaultFeePercent applies when no rule matches.
var DefaultFeePercent = decimal.NewFromInt(10)

var hundred = decimal.NewFromInt(100)

// Tier is the precedence level a quote was resolved at. Lower wins.
type Tier int

const (
	TierTenantExact Tier = iota + 1
	TierTenantWildcard
	TierPlatformExact
	TierPlatformWildcard
	TierDefault
)

func (t Tier) String() string {
	switch t {
	case TierTenantExact:
		return "tenant_exact"
	case TierTenantWildcard:
		return "tenant_wildcard"
	case TierPlatformExact:
		return "platform_exact"
	case TierPlatformWildcard:
		return "platform_wildcard"
	}
	return "default"
}

// Quote is the resolved fee policy.
type Quote struct {
	RuleID     *uint64
	Tier       Tier
	FeePercent decimal.Decimal
	MinimumFee decimal.Decimal
}

// RuleSet is an immutable snapshot of commission rules.
type RuleSet struct {
	rules          []model.CommissionRule
	defaultPercent decimal.Decimal
}

// NewRuleSet copies rules; a zero defaultPercent falls back to DefaultFeePercent.
func NewRuleSet(rules []model.CommissionRule, defaultPercent decimal.Decimal) *RuleSet {
	if defaultPercent.IsZero() {
		defaultPercent = DefaultFeePercent
	}
	cp := make([]model.CommissionRule, len(rules))
	copy(cp, rules)
	return &RuleSet{rules: cp, defaultPercent: defaultPercent}
}

// Resolve returns the single applicable quote for tenant and offering type at asOf.
func (rs *RuleSet) Resolve(tenantID string, offeringType model.OfferingType, asOf time.Time) (Quote, error) {
	var best [TierDefault]*model.CommissionRule
	var ambiguous [TierDefault]bool

	for i := range rs.rules {
		r := &rs.rules[i]
		tier, ok := tierOf(r, tenantID, offeringType)
		if !ok || !r.ActiveAt(asOf) {
			continue
		}
		idx := tier - 1
		cur := best[idx]
		switch {
		case cur == nil || r.EffectiveFrom.After(cur.EffectiveFrom):
			best[idx] = r
			ambiguous[idx] = false
		case r.EffectiveFrom.Equal(cur.EffectiveFrom) && r.ID != cur.ID:
			ambiguous[idx] = true
		}
	}

	for idx, r := range best {
		if r == nil {
			continue
		}
		if ambiguous[idx] {
			return Quote{}, fmt.Errorf("%w: tenant=%s offering_type=%s tier=%s effective_from=%s",
				apperr.ErrRuleResolutionAmbiguous, tenantID, offeringType, Tier(idx+1), r.EffectiveFrom.Format(time.RFC3339))
		}
		id := r.ID
		return Quote{RuleID: &id, Tier: Tier(idx + 1), FeePercent: r.FeePercent, MinimumFee: r.MinimumFee}, nil
	}
	return Quote{Tier: TierDefault, FeePercent: rs.defaultPercent, MinimumFee: decimal.Zero}, nil
}

func tierOf(r *model.CommissionRule, tenantID string, offeringType model.OfferingType) (Tier, bool) {
	exact := r.OfferingType != nil && *r.OfferingType == offeringType
	wildcard := r.OfferingType == nil
	if !exact && !wildcard {
		return 0, false
	}
	switch {
	case r.TenantID == nil && exact:
		return TierPlatformExact, true
	case r.TenantID == nil:
		return TierPlatformWildcard, true
	case *r.TenantID != tenantID:
		return 0, false
	case exact:
		return TierTenantExact, true
	}
	return TierTenantWildcard, true
}

// Apply splits gross into fee and net. fee + net == gross always holds.
func (q Quote) Apply(gross decimal.Decimal, currency string) (fee, net decimal.Decimal) {
	places := MinorUnits(currency)
	fee = gross.Mul(q.FeePercent).Div(hundred).Round(places)
	if minFee := q.MinimumFee.Round(places); fee.LessThan(minFee) {
		fee = minFee
	}
	if fee.GreaterThan(gross) {
		fee = gross
	}
	return fee, gross.Sub(fee)
}

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// MinorUnits is the number of decimal places money is rounded to in currency.
func MinorUnits(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(r *model.CommissionRule) error {
	if r.FeePercent.IsNegative() || r.FeePercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: fee_percent must be within [0, 100]", apperr.ErrValidation)
	}
	if r.MinimumFee.IsNegative() {
		return fmt.Errorf("%w: minimum_fee must not be negative", apperr.ErrValidation)
	}
	if r.EffectiveFrom.IsZero() {
		return fmt.Errorf("%w: effective_from is required", apperr.ErrValidation)
	}
	if r.EffectiveUntil != nil && !r.EffectiveUntil.After(r.EffectiveFrom) {
		return fmt.Errorf("%w: effective_until must be after effective_from", apperr.ErrValidation)
	}
	if r.OfferingType != nil && !r.OfferingType.IsValid() {
		return fmt.Errorf("%w: unknown offering type %q", apperr.ErrValidation, *r.OfferingType)
	}
	if r.TenantID != nil && *r.TenantID == "" {
		r.TenantID = nil
	}
	return nil
}
