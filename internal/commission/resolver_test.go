package commission

import (
	"testing"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func rule(id uint64, tenant *string, ot *model.OfferingType, pct string, from time.Time, until *time.Time) model.CommissionRule {
	return model.CommissionRule{
		ID: id, TenantID: tenant, OfferingType: ot,
		FeePercent: decimal.RequireFromString(pct), EffectiveFrom: from, EffectiveUntil: until,
	}
}

func TestResolve_DefaultWhenNoRules(t *testing.T) {
	rs := NewRuleSet(nil, decimal.Zero)
	q, err := rs.Resolve("t1", model.OfferingEvent, day1)
	require.NoError(t, err)
	assert.Equal(t, TierDefault, q.Tier)
	assert.Nil(t, q.RuleID)
	assert.True(t, q.FeePercent.Equal(decimal.NewFromInt(10)))
}

func TestResolve_Precedence(t *testing.T) {
	event := model.OfferingEvent
	rules := []model.CommissionRule{
		rule(1, nil, nil, "9", day1, nil),
		rule(2, nil, &event, "8", day1, nil),
		rule(3, ptr("t1"), nil, "7", day1, nil),
		rule(4, ptr("t1"), &event, "6", day1, nil),
		rule(5, ptr("t2"), &event, "1", day1, nil),
	}
	at := day1.Add(time.Hour)

	cases := []struct {
		name   string
		rules  []model.CommissionRule
		tenant string
		ot     model.OfferingType
		want   string
		tier   Tier
	}{
		{"tenant exact", rules, "t1", model.OfferingEvent, "6", TierTenantExact},
		{"tenant wildcard", rules, "t1", model.OfferingProduct, "7", TierTenantWildcard},
		{"platform exact", rules, "t3", model.OfferingEvent, "8", TierPlatformExact},
		{"platform wildcard", rules, "t3", model.OfferingFundraiser, "9", TierPlatformWildcard},
		{"other tenant rules ignored", rules, "t2", model.OfferingProduct, "9", TierPlatformWildcard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := NewRuleSet(tc.rules, decimal.Zero).Resolve(tc.tenant, tc.ot, at)
			require.NoError(t, err)
			assert.Equal(t, tc.tier, q.Tier)
			assert.True(t, q.FeePercent.Equal(decimal.RequireFromString(tc.want)), "got %s", q.FeePercent)
		})
	}
}

func TestResolve_LatestEffectiveFromWinsAndExpiredExcluded(t *testing.T) {
	day5 := day1.AddDate(0, 0, 4)
	day10 := day1.AddDate(0, 0, 9)
	rules := []model.CommissionRule{
		rule(1, ptr("t1"), nil, "5", day1, nil),
		rule(2, ptr("t1"), nil, "4", day5, &day10),
	}
	rs := NewRuleSet(rules, decimal.Zero)

	q, err := rs.Resolve("t1", model.OfferingEvent, day5.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), *q.RuleID)

	q, err = rs.Resolve("t1", model.OfferingEvent, day5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), *q.RuleID)

	// half-open interval: effective_until is excluded
	q, err = rs.Resolve("t1", model.OfferingEvent, day10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), *q.RuleID)

	// not yet effective
	q, err = rs.Resolve("t1", model.OfferingEvent, day1.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, TierDefault, q.Tier)
}

func TestResolve_AmbiguousSameTier(t *testing.T) {
	rules := []model.CommissionRule{
		rule(1, ptr("t1"), nil, "5", day1, nil),
		rule(2, ptr("t1"), nil, "6", day1, nil),
	}
	_, err := NewRuleSet(rules, decimal.Zero).Resolve("t1", model.OfferingEvent, day1)
	assert.ErrorIs(t, err, apperr.ErrRuleResolutionAmbiguous)
}

func TestResolve_TenantRuleScenario(t *testing.T) {
	rules := []model.CommissionRule{rule(1, ptr("T"), nil, "5", day1, nil)}
	q, err := NewRuleSet(rules, decimal.Zero).Resolve("T", model.OfferingProduct, day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, q.FeePercent.Equal(decimal.NewFromInt(5)))
}

func TestQuoteApply(t *testing.T) {
	cases := []struct {
		name     string
		pct, min string
		gross    string
		currency string
		fee, net string
	}{
		{"ten percent", "10", "0", "100.00", "USD", "10", "90"},
		{"rounds half away from zero", "5", "0", "0.10", "USD", "0.01", "0.09"},
		{"minimum fee", "1", "0.50", "10.00", "USD", "0.50", "9.50"},
		{"fee capped at gross", "1", "5", "2.00", "USD", "2", "0"},
		{"zero decimal currency", "3", "0", "1050", "JPY", "32", "1018"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := Quote{FeePercent: decimal.RequireFromString(tc.pct), MinimumFee: decimal.RequireFromString(tc.min)}
			gross := decimal.RequireFromString(tc.gross)
			fee, net := q.Apply(gross, tc.currency)
			assert.True(t, fee.Equal(decimal.RequireFromString(tc.fee)), "fee %s", fee)
			assert.True(t, net.Equal(decimal.RequireFromString(tc.net)), "net %s", net)
			assert.True(t, fee.Add(net).Equal(gross))
		})
	}
}

func TestQuoteApply_FeePlusNetEqualsGross(t *testing.T) {
	q := Quote{FeePercent: decimal.RequireFromString("7.25")}
	for cents := int64(1); cents < 5000; cents += 37 {
		gross := decimal.New(cents, -2)
		fee, net := q.Apply(gross, "USD")
		require.True(t, fee.Add(net).Equal(gross), "gross %s", gross)
	}
}

func TestValidateRule(t *testing.T) {
	ok := rule(0, ptr(""), nil, "5", day1, nil)
	require.NoError(t, ValidateRule(&ok))
	assert.Nil(t, ok.TenantID)

	bad := rule(0, nil, nil, "101", day1, nil)
	assert.ErrorIs(t, ValidateRule(&bad), apperr.ErrValidation)

	backwards := rule(0, nil, nil, "5", day1, ptr(day1))
	assert.ErrorIs(t, ValidateRule(&backwards), apperr.ErrValidation)
}
