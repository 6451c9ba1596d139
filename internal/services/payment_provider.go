package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/metrics"
	"lunawave-api/internal/models"
	"lunawave-api/pkg/logging"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"github.com/sony/gobreaker/v2"
)

// PaymentInfo is the provider's view of a payment.
type PaymentInfo struct {
	ExternalPaymentID string
	OrderRef          string
	Status            models.PaymentStatus
	Amount            int64
	PaidAt            *time.Time
	BillingKey        string
	Method            string
	FailReason        string
	CustomData        map[string]string
}

// ChargeRequest is an off-session charge against a stored billing key.
type ChargeRequest struct {
	BillingKey string
	OrderRef   string
	Amount     int64
	Name       string
}

// ChargeResult reports a declined charge with Success=false and a nil error.
type ChargeResult struct {
	Success           bool
	ExternalPaymentID string
	PaidAt            *time.Time
	FailReason        string
}

// PaymentProvider is the external payment collaborator. Every call must be
// bounded by the context deadline.
type PaymentProvider interface {
	ChargeByBillingKey(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	VerifyPayment(ctx context.Context, externalPaymentID string) (*PaymentInfo, error)
	FindPaymentByOrderRef(ctx context.Context, orderRef string) (*PaymentInfo, error)
	Refund(ctx context.Context, externalPaymentID, reason string) error
	DeleteBillingKey(ctx context.Context, billingKey string) error
}

// ProviderError is a non-transient rejection returned by the provider API.
type ProviderError struct {
	Op         string
	Code       int
	Message    string
	HTTPStatus int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("portone %s rejected (http %d, code %d): %s", e.Op, e.HTTPStatus, e.Code, e.Message)
}

// IsPaymentNotFound reports whether the provider has no payment for a lookup.
func IsPaymentNotFound(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.HTTPStatus == http.StatusNotFound
}

// PortOneConfig holds PortOne V1 REST credentials.
type PortOneConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// PortOneClient talks to the PortOne V1 (iamport) REST API. Calls go through
// a circuit breaker so a provider outage fails fast as a transient error.
type PortOneClient struct {
	cfg        PortOneConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	clock      clockwork.Clock

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewPortOneClient creates a new PortOne client
func NewPortOneClient(cfg PortOneConfig, clock clockwork.Clock) *PortOneClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "portone",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("payment provider circuit breaker state changed")
		},
	}

	return &PortOneClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		clock:   clock,
	}
}

type portOneEnvelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

type portOnePayment struct {
	ImpUID      string  `json:"imp_uid"`
	MerchantUID string  `json:"merchant_uid"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status"`
	PaidAt      int64   `json:"paid_at"`
	CustomerUID string  `json:"customer_uid"`
	PayMethod   string  `json:"pay_method"`
	FailReason  string  `json:"fail_reason"`
	CustomData  *string `json:"custom_data"`
}

type portOneToken struct {
	AccessToken string `json:"access_token"`
	ExpiredAt   int64  `json:"expired_at"`
}

// VerifyPayment looks a payment up by its provider id.
func (c *PortOneClient) VerifyPayment(ctx context.Context, externalPaymentID string) (*PaymentInfo, error) {
	var p portOnePayment
	if err := c.call(ctx, "get_payment", http.MethodGet, "/payments/"+url.PathEscape(externalPaymentID), nil, &p); err != nil {
		return nil, err
	}
	return p.toInfo(), nil
}

// FindPaymentByOrderRef looks a payment up by the merchant_uid we assigned.
func (c *PortOneClient) FindPaymentByOrderRef(ctx context.Context, orderRef string) (*PaymentInfo, error) {
	var p portOnePayment
	if err := c.call(ctx, "find_payment", http.MethodGet, "/payments/find/"+url.PathEscape(orderRef), nil, &p); err != nil {
		return nil, err
	}
	return p.toInfo(), nil
}

// ChargeByBillingKey charges a stored card (PortOne "again" payment).
func (c *PortOneClient) ChargeByBillingKey(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body := map[string]interface{}{
		"customer_uid": req.BillingKey,
		"merchant_uid": req.OrderRef,
		"amount":       req.Amount,
		"name":         req.Name,
	}

	var p portOnePayment
	err := c.call(ctx, "charge_again", http.MethodPost, "/subscribe/payments/again", body, &p)
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) {
			// Declined before a payment was created.
			return &ChargeResult{Success: false, FailReason: provErr.Message}, nil
		}
		return nil, err
	}

	info := p.toInfo()
	if info.Status != models.PaymentPaid {
		return &ChargeResult{Success: false, ExternalPaymentID: info.ExternalPaymentID, FailReason: info.FailReason}, nil
	}
	return &ChargeResult{Success: true, ExternalPaymentID: info.ExternalPaymentID, PaidAt: info.PaidAt}, nil
}

// Refund cancels a paid payment in full.
func (c *PortOneClient) Refund(ctx context.Context, externalPaymentID, reason string) error {
	body := map[string]interface{}{
		"imp_uid": externalPaymentID,
		"reason":  reason,
	}
	return c.call(ctx, "cancel_payment", http.MethodPost, "/payments/cancel", body, nil)
}

// DeleteBillingKey removes a stored card so no further charges are possible.
func (c *PortOneClient) DeleteBillingKey(ctx context.Context, billingKey string) error {
	return c.call(ctx, "delete_billing_key", http.MethodDelete, "/subscribe/customers/"+url.PathEscape(billingKey), nil, nil)
}

// accessToken returns a cached token, refreshing it a minute before expiry.
func (c *PortOneClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.clock.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}

	body := map[string]string{
		"imp_key":    c.cfg.APIKey,
		"imp_secret": c.cfg.APISecret,
	}
	var tok portOneToken
	if err := c.send(ctx, "get_token", http.MethodPost, "/users/getToken", "", body, &tok); err != nil {
		return "", err
	}

	c.token = tok.AccessToken
	c.tokenExpiry = time.Unix(tok.ExpiredAt, 0)
	return c.token, nil
}

func (c *PortOneClient) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, op, method, path, token, body, out)
}

// send performs one request. Transport failures and 5xx responses count
// against the breaker and surface as transient errors; API rejections
// surface as *ProviderError.
func (c *PortOneClient) send(ctx context.Context, op, method, path, token string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	status := 0
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		metrics.PaymentProviderRequests.WithLabelValues(op, "error").Inc()
		return apperrors.Transient("portone."+op, err)
	}

	var env portOneEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.PaymentProviderRequests.WithLabelValues(op, "error").Inc()
		return apperrors.Transient("portone."+op, fmt.Errorf("failed to parse response: %w", err))
	}
	if env.Code != 0 || status >= 400 {
		metrics.PaymentProviderRequests.WithLabelValues(op, "rejected").Inc()
		return &ProviderError{Op: op, Code: env.Code, Message: env.Message, HTTPStatus: status}
	}

	metrics.PaymentProviderRequests.WithLabelValues(op, "ok").Inc()
	if out == nil || len(env.Response) == 0 || string(env.Response) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return apperrors.Transient("portone."+op, fmt.Errorf("failed to parse response body: %w", err))
	}
	return nil
}

func (p portOnePayment) toInfo() *PaymentInfo {
	info := &PaymentInfo{
		ExternalPaymentID: p.ImpUID,
		OrderRef:          p.MerchantUID,
		Amount:            int64(p.Amount),
		BillingKey:        p.CustomerUID,
		Method:            p.PayMethod,
		FailReason:        p.FailReason,
	}

	switch p.Status {
	case "paid":
		info.Status = models.PaymentPaid
	case "cancelled":
		info.Status = models.PaymentCancelled
	case "failed":
		info.Status = models.PaymentFailed
	default:
		info.Status = models.PaymentPending
	}

	if p.PaidAt > 0 {
		paidAt := time.Unix(p.PaidAt, 0).UTC()
		info.PaidAt = &paidAt
	}

	if p.CustomData != nil && *p.CustomData != "" {
		data := map[string]interface{}{}
		if err := json.Unmarshal([]byte(*p.CustomData), &data); err == nil {
			info.CustomData = lo.MapValues(data, func(v interface{}, _ string) string {
				return fmt.Sprint(v)
			})
		}
	}
	return info
}
