// Package gateway talks to the external payment gateway for transfers and refunds.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

// Gateway is the outbound half of the gateway integration.
type Gateway interface {
	RequestTransfer(ctx context.Context, req TransferRequest) (Result, error)
	RequestRefund(ctx context.Context, req RefundRequest) (Result, error)
}

// TransferRequest moves a payout total to the tenant's account.
type TransferRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	PayoutID       uint64          `json:"payout_id"`
	TenantID       string          `json:"tenant_id"`
	Destination    string          `json:"destination"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// RefundRequest returns a captured payment to the buyer.
type RefundRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	PaymentID      string          `json:"payment_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Reason         string          `json:"reason,omitempty"`
}

// Result carries the gateway's identifier for the accepted instruction.
type Result struct {
	ExternalID string `json:"id"`
}

// Config configures HTTPClient.
type Config struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxConns int           `yaml:"max_conns"`
}

// HTTPClient is a JSON-over-HTTP Gateway.
type HTTPClient struct {
	cfg    Config
	client *fasthttp.Client
}

// NewHTTPClient builds a client. A nil client gets a pooled default.
func NewHTTPClient(cfg Config, client *fasthttp.Client) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &fasthttp.Client{
			MaxConnsPerHost:     cfg.MaxConns,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, client: client}
}

func (c *HTTPClient) RequestTransfer(ctx context.Context, req TransferRequest) (Result, error) {
	return c.post(ctx, "/v1/transfers", req.IdempotencyKey, req)
}

func (c *HTTPClient) RequestRefund(ctx context.Context, req RefundRequest) (Result, error) {
	return c.post(ctx, "/v1/refunds", req.IdempotencyKey, req)
}

func (c *HTTPClient) post(ctx context.Context, path, idemKey string, body interface{}) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", idemKey)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.SetBody(payload)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", apperr.ErrGatewayUnavailable, path, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 500 || status == fasthttp.StatusTooManyRequests || status == fasthttp.StatusRequestTimeout:
		return Result{}, fmt.Errorf("%w: %s answered %d", apperr.ErrGatewayUnavailable, path, status)
	case status >= 400:
		return Result{}, fmt.Errorf("%w: %s answered %d: %s", apperr.ErrGatewayRejected, path, status, resp.Body())
	case status < 200 || status >= 300:
		return Result{}, fmt.Errorf("%w: %s answered %d", apperr.ErrGatewayUnavailable, path, status)
	}

	var res Result
	if err := json.Unmarshal(resp.Body(), &res); err != nil || res.ExternalID == "" {
		return Result{}, fmt.Errorf("%w: %s returned no id", apperr.ErrGatewayUnavailable, path)
	}
	return res, nil
}

// Fake is a scriptable Gateway for tests and local runs.
type Fake struct {
	mu         sync.Mutex
	Transfers  []TransferRequest
	Refunds    []RefundRequest
	TransferFn func(TransferRequest) (Result, error)
	RefundFn   func(RefundRequest) (Result, error)
}

func (f *Fake) RequestTransfer(_ context.Context, req TransferRequest) (Result, error) {
	f.mu.Lock()
	f.Transfers = append(f.Transfers, req)
	fn := f.TransferFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return Result{ExternalID: "tr_" + req.IdempotencyKey}, nil
}

func (f *Fake) RequestRefund(_ context.Context, req RefundRequest) (Result, error) {
	f.mu.Lock()
	f.Refunds = append(f.Refunds, req)
	fn := f.RefundFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return Result{ExternalID: "re_" + req.IdempotencyKey}, nil
}

// Calls returns how many transfer and refund calls were made.
func (f *Fake) Calls() (transfers, refunds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transfers), len(f.Refunds)
}
