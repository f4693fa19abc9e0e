package service

import (
	"context"
	"sort"

	"github.com/richardliu001/payout-ledger/internal/audit"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VerifyReport is the result of replaying a tenant's audit log against the store.
type VerifyReport struct {
	TenantID        string                `json:"tenant_id"`
	Entries         int                   `json:"entries"`
	Consistent      bool                  `json:"consistent"`
	Inconsistencies []audit.Inconsistency `json:"inconsistencies"`
	UnsettledNet    decimal.Decimal       `json:"unsettled_net"`
	OpenPayoutTotal decimal.Decimal       `json:"open_payout_total"`
	Currencies      []CurrencyBalance     `json:"currencies"`
}

// CurrencyBalance compares the unsettled balance with the open payout of one currency.
type CurrencyBalance struct {
	Currency        string          `json:"currency"`
	UnsettledNet    decimal.Decimal `json:"unsettled_net"`
	OpenPayoutTotal decimal.Decimal `json:"open_payout_total"`
}

// AuditService reads the append-only audit log.
type AuditService struct {
	repo   repo.RepositoryInterface
	ledger *LedgerService
	log    *zap.SugaredLogger
}

func NewAuditService(r repo.RepositoryInterface, ledger *LedgerService, logger *zap.SugaredLogger) *AuditService {
	return &AuditService{repo: r, ledger: ledger, log: logger}
}

func currencyBalances(unsettled, open map[string]decimal.Decimal) []CurrencyBalance {
	seen := make(map[string]bool)
	var out []CurrencyBalance
	for _, m := range []map[string]decimal.Decimal{unsettled, open} {
		for cur := range m {
			if seen[cur] {
				continue
			}
			seen[cur] = true
			out = append(out, CurrencyBalance{Currency: cur, UnsettledNet: unsettled[cur], OpenPayoutTotal: open[cur]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// History returns every entry of one subject in timestamp order.
func (s *AuditService) History(ctx context.Context, subject model.SubjectType, id uint64) ([]model.AuditEntry, error) {
	return s.repo.ListAudit(ctx, subject, id)
}

// Verify rebuilds the tenant's transactions and payouts from audit entries alone and
// reports every difference with the primary store.
func (s *AuditService) Verify(ctx context.Context, tenantID string) (*VerifyReport, error) {
	rep := &VerifyReport{TenantID: tenantID}
	// one snapshot of the store so the log and the rows agree on a point in time
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := s.repo.ListTenantAudit(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		txs, err := s.repo.ListTenantTransactions(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		payouts, err := s.repo.ListTenantPayouts(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		st, chain, err := audit.Replay(entries)
		if err != nil {
			return err
		}
		rep.Entries = len(entries)
		rep.Inconsistencies = append(chain, audit.Diff(st, txs, payouts)...)

		if rep.UnsettledNet, err = s.ledger.UnsettledNetTx(ctx, tx, tenantID); err != nil {
			return err
		}
		unsettled, err := s.ledger.UnsettledByCurrency(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		open := make(map[string]decimal.Decimal)
		rep.OpenPayoutTotal = decimal.Zero
		for i := range payouts {
			if payouts[i].Status == model.PayoutPending {
				open[payouts[i].Currency] = open[payouts[i].Currency].Add(payouts[i].TotalAmount)
				rep.OpenPayoutTotal = rep.OpenPayoutTotal.Add(payouts[i].TotalAmount)
			}
		}
		rep.Currencies = currencyBalances(unsettled, open)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, cb := range rep.Currencies {
		if !cb.UnsettledNet.Equal(cb.OpenPayoutTotal) {
			rep.Inconsistencies = append(rep.Inconsistencies, audit.Inconsistency{
				SubjectType: model.SubjectPayout,
				Reason: "unsettled " + cb.Currency + " balance " + cb.UnsettledNet.String() +
					" differs from open payout total " + cb.OpenPayoutTotal.String(),
			})
		}
	}
	if rep.Inconsistencies == nil {
		rep.Inconsistencies = []audit.Inconsistency{}
	}
	rep.Consistent = len(rep.Inconsistencies) == 0
	if !rep.Consistent {
		s.log.Errorw("audit verification found inconsistencies", "tenant_id", tenantID,
			"count", len(rep.Inconsistencies))
	}
	return rep, nil
}
