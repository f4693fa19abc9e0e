package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Services are the use cases exposed over HTTP.
type Services struct {
	Ledger       *service.LedgerService
	Payouts      *service.PayoutService
	Confirmation *service.ConfirmationService
	Audit        *service.AuditService
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// writeError maps an error kind onto its HTTP status.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	meta := apperr.MetadataFor(err)
	msg := err.Error()
	if meta.HTTPStatus >= http.StatusInternalServerError && meta.Code == "INTERNAL_ERROR" {
		log.Errorw("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	if meta.Retryable {
		c.Header("Retry-After", "5")
	}
	c.JSON(meta.HTTPStatus, errorBody{Code: meta.Code, Error: msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Code: "VALIDATION_ERROR", Error: msg})
}

func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	if isAdmin(c) {
		return roleAdmin
	}
	return "tenant:" + c.GetHeader(headerTenant)
}

// owns reports whether the caller may see tenantID's data; it answers 403 otherwise.
func owns(c *gin.Context, log *zap.SugaredLogger, tenantID string) bool {
	if isAdmin(c) || c.GetHeader(headerTenant) == tenantID {
		return true
	}
	writeError(c, log, fmt.Errorf("%w: tenant scope violation", apperr.ErrTenantMismatch))
	return false
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func timeQuery(c *gin.Context, key string, def time.Time) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, "invalid "+key)
		return time.Time{}, false
	}
	return t, true
}

func gatewayWebhookHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var evt service.Event
		if err := c.ShouldBindJSON(&evt); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svc.Confirmation.HandleEvent(c, evt)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type refundReq struct {
	Reason string `json:"reason"`
}

func refundHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req refundReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		t, err := svc.Ledger.GetTransaction(c, id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		if !owns(c, log, t.TenantID) {
			return
		}
		refund, err := svc.Confirmation.RequestRefund(c, id, req.Reason, actor(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, refund)
	}
}

func transactionHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		t, err := svc.Ledger.GetTransaction(c, id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		if !owns(c, log, t.TenantID) {
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func balanceHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.Param("tenant")
		bal, err := svc.Ledger.GetUnsettledNet(c, tenant)
		if err != nil {
			writeError(c, log, err)
			return
		}
		body := gin.H{"tenant_id": tenant, "unsettled_net": bal}
		opens, err := svc.Payouts.OpenPayouts(c, tenant)
		if err != nil {
			writeError(c, log, err)
			return
		}
		currencies := make([]gin.H, 0, len(opens))
		for _, p := range opens {
			currencies = append(currencies, gin.H{
				"currency": p.Currency, "open_payout_id": p.ID, "unsettled_net": p.TotalAmount,
			})
		}
		body["currencies"] = currencies
		if len(opens) == 1 {
			body["open_payout_id"] = opens[0].ID
			body["currency"] = opens[0].Currency
		}
		c.JSON(http.StatusOK, body)
	}
}

func historyHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		since, ok := timeQuery(c, "since", time.Now().Add(-24*time.Hour))
		if !ok {
			return
		}
		txs, err := svc.Ledger.GetHistory(c, c.Param("tenant"), limit, since)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func payoutsHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		ps, err := svc.Payouts.ListPayouts(c, c.Param("tenant"), limit)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ps)
	}
}

func verifyHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := svc.Audit.Verify(c, c.Param("tenant"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

type scheduleReq struct {
	Currency  string     `json:"currency"`
	PeriodEnd *time.Time `json:"period_end"`
}

func scheduleHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scheduleReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		p, err := svc.Payouts.ScheduleCurrency(c, c.Param("tenant"), req.Currency, req.PeriodEnd, actor(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func payoutResultHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var res service.GatewayResult
		if err := c.ShouldBindJSON(&res); err != nil {
			badRequest(c, err.Error())
			return
		}
		p, err := svc.Payouts.ApplyGatewayResult(c, id, res, service.ActorGateway)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type abandonReq struct {
	ReattributeTo string `json:"reattribute_to" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
}

func abandonHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req abandonReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		p, err := svc.Payouts.AbandonPayout(c, id, req.ReattributeTo, req.Reason, actor(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func payoutHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		p, err := svc.Payouts.GetPayout(c, id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		if !owns(c, log, p.TenantID) {
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func auditHistoryHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := model.ParseSubjectType(c.Param("subject"))
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		entries, err := svc.Audit.History(c, subject, id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type ruleReq struct {
	TenantID       *string    `json:"tenant_id"`
	OfferingType   *string    `json:"offering_type"`
	FeePercent     string     `json:"fee_percent" binding:"required"`
	MinimumFee     string     `json:"minimum_fee"`
	EffectiveFrom  time.Time  `json:"effective_from" binding:"required"`
	EffectiveUntil *time.Time `json:"effective_until"`
}

func (r ruleReq) toModel() (*model.CommissionRule, error) {
	pct, err := decimal.NewFromString(r.FeePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid fee_percent")
	}
	minFee := decimal.Zero
	if r.MinimumFee != "" {
		if minFee, err = decimal.NewFromString(r.MinimumFee); err != nil {
			return nil, fmt.Errorf("invalid minimum_fee")
		}
	}
	rule := &model.CommissionRule{
		TenantID: r.TenantID, FeePercent: pct, MinimumFee: minFee,
		EffectiveFrom: r.EffectiveFrom, EffectiveUntil: r.EffectiveUntil,
	}
	if r.OfferingType != nil {
		ot, err := model.ParseOfferingType(*r.OfferingType)
		if err != nil {
			return nil, err
		}
		rule.OfferingType = &ot
	}
	return rule, nil
}

func createRuleHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ruleReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		rule, err := req.toModel()
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := svc.Ledger.CreateCommissionRule(c, rule); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, rule)
	}
}

func quoteHandler(svc Services, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ot, err := model.ParseOfferingType(c.Query("offering_type"))
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		asOf, ok := timeQuery(c, "as_of", time.Now())
		if !ok {
			return
		}
		q, err := svc.Ledger.QuoteCommission(c, c.Param("tenant"), ot, asOf)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"rule_id": q.RuleID, "tier": q.Tier.String(),
			"fee_percent": q.FeePercent, "minimum_fee": q.MinimumFee,
		})
	}
}
