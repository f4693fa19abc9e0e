package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/payout-ledger/internal/catalog"
	"github.com/richardliu001/payout-ledger/internal/config"
	"github.com/richardliu001/payout-ledger/internal/logger"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/richardliu001/payout-ledger/internal/repo/repotest"
	"github.com/richardliu001/payout-ledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	t      *testing.T
	router *gin.Engine
}

func newClient(t *testing.T) *client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := repotest.NewDB(t)
	rdb, _ := repotest.NewRedis(t)
	log := logger.Nop()
	m := metrics.NewLedger(nil)
	r := repo.NewRepository(db, rdb, nil, log)
	cat := catalog.NewStatic().
		AddOffering("ev-1", "t1", model.OfferingEvent).
		AddOffering("ev-2", "t2", model.OfferingEvent).
		SetDestination("t1", "acct_t1").
		SetDestination("t2", "acct_t2")

	payouts := service.NewPayoutService(r, cat, m, log)
	ledger := service.NewLedgerService(r, payouts, decimal.Zero, m, log)
	svc := Services{
		Ledger:       ledger,
		Payouts:      payouts,
		Confirmation: service.NewConfirmationService(r, ledger, cat, m, log),
		Audit:        service.NewAuditService(r, ledger, log),
	}
	return &client{t: t, router: NewRouter(svc, config.RateLimitConfig{}, log)}
}

// do sends body as JSON. headers alternate key, value.
func (c *client) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (c *client) capture(ext, offering, amount string) uint64 {
	c.t.Helper()
	w := c.do(http.MethodPost, "/v1/webhooks/gateway", gin.H{
		"external_id": ext, "type": "capture", "offering_id": offering, "amount": amount, "currency": "USD",
	})
	require.Equal(c.t, http.StatusOK, w.Code, w.Body.String())
	body := decode(c.t, w)
	assert.Equal(c.t, "applied", body["outcome"])
	return uint64(body["transaction_id"].(float64))
}

var (
	asT1    = []string{headerTenant, "t1"}
	asT2    = []string{headerTenant, "t2"}
	asAdmin = []string{headerRole, roleAdmin}
)

func TestHealthz(t *testing.T) {
	c := newClient(t)
	w := c.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestWebhook_CaptureAndBalance(t *testing.T) {
	c := newClient(t)
	id := c.capture("pi_1", "ev-1", "100")

	w := c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asT1...)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "90", body["unsettled_net"])
	assert.Equal(t, "USD", body["currency"])

	w = c.do(http.MethodGet, fmt.Sprintf("/v1/transactions/%d", id), nil, asT1...)
	require.Equal(t, http.StatusOK, w.Code)
	tx := decode(t, w)
	assert.Equal(t, "10", tx["fee_amount"])
	assert.Equal(t, "completed", tx["status"])

	w = c.do(http.MethodPost, "/v1/webhooks/gateway", gin.H{
		"external_id": "pi_1", "type": "capture", "offering_id": "ev-1", "amount": "100", "currency": "USD",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["outcome"])
}

func TestWebhook_Errors(t *testing.T) {
	c := newClient(t)

	w := c.do(http.MethodPost, "/v1/webhooks/gateway", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = c.do(http.MethodPost, "/v1/webhooks/gateway", gin.H{
		"external_id": "pi_x", "type": "capture", "offering_id": "ev-nope", "amount": "10", "currency": "USD",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["code"])

	w = c.do(http.MethodPost, "/v1/webhooks/gateway", gin.H{
		"external_id": "pi_y", "type": "refund", "offering_id": "ev-1", "amount": "10", "currency": "USD",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OUT_OF_ORDER", decode(t, w)["code"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	c.capture("pi_z", "ev-1", "100")
	w = c.do(http.MethodPost, "/v1/webhooks/gateway", gin.H{
		"external_id": "pi_z", "type": "capture", "offering_id": "ev-1", "amount": "120", "currency": "USD",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_CONFLICT", decode(t, w)["code"])
}

func TestBalance_PerCurrency(t *testing.T) {
	c := newClient(t)
	c.capture("pi_1", "ev-1", "100")
	w := c.do(http.MethodPost, "/v1/webhooks/gateway", gin.H{
		"external_id": "pi_2", "type": "capture", "offering_id": "ev-1", "amount": "50", "currency": "EUR",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asT1...)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	currencies := body["currencies"].([]interface{})
	require.Len(t, currencies, 2)
	assert.Equal(t, "USD", currencies[0].(map[string]interface{})["currency"])
	assert.Equal(t, "90", currencies[0].(map[string]interface{})["unsettled_net"])
	assert.Equal(t, "EUR", currencies[1].(map[string]interface{})["currency"])
	assert.Equal(t, "45", currencies[1].(map[string]interface{})["unsettled_net"])
	assert.NotContains(t, body, "currency")

	w = c.do(http.MethodPost, "/v1/tenants/t1/payouts/schedule", gin.H{"currency": "eur"}, asAdmin...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decode(t, w)
	assert.Equal(t, "EUR", p["currency"])
	assert.Equal(t, "45", p["total_amount"])
}

func TestTenantScope(t *testing.T) {
	c := newClient(t)
	id := c.capture("pi_1", "ev-1", "100")

	forbidden := func(w *httptest.ResponseRecorder) {
		t.Helper()
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "TENANT_MISMATCH", decode(t, w)["code"])
	}
	forbidden(c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asT2...))
	forbidden(c.do(http.MethodGet, "/v1/tenants/t1/balance", nil))
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asAdmin...).Code)

	forbidden(c.do(http.MethodGet, fmt.Sprintf("/v1/transactions/%d", id), nil, asT2...))
	forbidden(c.do(http.MethodPost, fmt.Sprintf("/v1/transactions/%d/refund", id), gin.H{"reason": "x"}, asT2...))
}

func TestWebhook_TenantHintMismatch(t *testing.T) {
	c := newClient(t)

	w := c.do(http.MethodPost, "/v1/webhooks/gateway", gin.H{
		"external_id": "pi_h", "type": "capture", "offering_id": "ev-1", "tenant_hint": "t2",
		"amount": "100", "currency": "USD",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_MISMATCH", decode(t, w)["code"])

	w = c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asT1...)
	assert.Equal(t, "0", decode(t, w)["unsettled_net"])
}

func TestRefund(t *testing.T) {
	c := newClient(t)
	id := c.capture("pi_1", "ev-1", "100")

	w := c.do(http.MethodPost, fmt.Sprintf("/v1/transactions/%d/refund", id), gin.H{"reason": "cancelled"}, asT1...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	refund := decode(t, w)
	assert.Equal(t, "refund", refund["type"])
	assert.Equal(t, "-90", refund["net_amount"])

	w = c.do(http.MethodPost, fmt.Sprintf("/v1/transactions/%d/refund", id), nil, asT1...)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asT1...)
	assert.Equal(t, "0", decode(t, w)["unsettled_net"])

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/v1/transactions/abc/refund", nil, asT1...).Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/v1/transactions/999/refund", nil, asT1...).Code)
}

func TestPayoutLifecycle(t *testing.T) {
	c := newClient(t)
	c.capture("pi_1", "ev-1", "100")
	c.capture("pi_2", "ev-1", "50")

	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPost, "/v1/tenants/t1/payouts/schedule", nil, asT1...).Code)

	w := c.do(http.MethodPost, "/v1/tenants/t1/payouts/schedule", nil, asAdmin...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decode(t, w)
	assert.Equal(t, "processing", p["status"])
	assert.Equal(t, "135", p["total_amount"])
	id := uint64(p["id"].(float64))

	w = c.do(http.MethodPost, "/v1/tenants/t1/payouts/schedule", nil, asAdmin...)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOTHING_TO_SETTLE", decode(t, w)["code"])

	w = c.do(http.MethodPost, fmt.Sprintf("/v1/payouts/%d/result", id),
		gin.H{"success": true, "external_payout_id": "po_1"}, asAdmin...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["status"])

	w = c.do(http.MethodGet, fmt.Sprintf("/v1/payouts/%d", id), nil, asT1...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodGet, fmt.Sprintf("/v1/payouts/%d", id), nil, asT2...).Code)

	w = c.do(http.MethodGet, "/v1/tenants/t1/payouts", nil, asT1...)
	require.Equal(t, http.StatusOK, w.Code)
	var ps []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ps))
	assert.Len(t, ps, 1)

	w = c.do(http.MethodGet, "/v1/tenants/t1/audit/verify", nil, asT1...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["consistent"])
}

func TestAbandonPayout(t *testing.T) {
	c := newClient(t)
	c.capture("pi_1", "ev-1", "100")
	w := c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asT1...)
	id := uint64(decode(t, w)["open_payout_id"].(float64))

	w = c.do(http.MethodPost, fmt.Sprintf("/v1/payouts/%d/abandon", id), gin.H{"reason": "merged"}, asAdmin...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = c.do(http.MethodPost, fmt.Sprintf("/v1/payouts/%d/abandon", id),
		gin.H{"reattribute_to": "t2", "reason": "merged"}, asAdmin...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "failed", decode(t, w)["status"])

	w = c.do(http.MethodGet, "/v1/tenants/t2/balance", nil, asT2...)
	assert.Equal(t, "90", decode(t, w)["unsettled_net"])
}

func TestCommissionRules(t *testing.T) {
	c := newClient(t)

	rule := gin.H{"tenant_id": "t1", "fee_percent": "5", "effective_from": "2020-01-01T00:00:00Z"}
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPost, "/v1/commission-rules", rule, asT1...).Code)
	w := c.do(http.MethodPost, "/v1/commission-rules", rule, asAdmin...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	bad := gin.H{"fee_percent": "lots", "effective_from": "2020-01-01T00:00:00Z"}
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/v1/commission-rules", bad, asAdmin...).Code)

	w = c.do(http.MethodGet, "/v1/tenants/t1/commission?offering_type=event", nil, asT1...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q := decode(t, w)
	assert.Equal(t, "5", q["fee_percent"])

	assert.Equal(t, http.StatusBadRequest,
		c.do(http.MethodGet, "/v1/tenants/t1/commission?offering_type=car", nil, asT1...).Code)

	c.capture("pi_1", "ev-1", "100")
	w = c.do(http.MethodGet, "/v1/tenants/t1/balance", nil, asT1...)
	assert.Equal(t, "95", decode(t, w)["unsettled_net"])
}

func TestAuditHistory(t *testing.T) {
	c := newClient(t)
	id := c.capture("pi_1", "ev-1", "100")

	path := fmt.Sprintf("/v1/audit/transaction/%d", id)
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodGet, path, nil, asT1...).Code)
	w := c.do(http.MethodGet, path, nil, asAdmin...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/v1/audit/invoice/1", nil, asAdmin...).Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(1, 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
