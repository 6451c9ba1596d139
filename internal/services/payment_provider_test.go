package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lunawave-api/internal/apperrors"
	"lunawave-api/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakePortOne struct {
	tokenCalls   atomic.Int32
	paymentCalls atomic.Int32
	handlers     map[string]http.HandlerFunc
}

func writeEnvelope(w http.ResponseWriter, status, code int, message string, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":     code,
		"message":  message,
		"response": response,
	})
}

func newPortOneServer(t *testing.T, handlers map[string]http.HandlerFunc) (*PortOneClient, *fakePortOne) {
	t.Helper()
	fake := &fakePortOne{handlers: handlers}

	mux := http.NewServeMux()
	mux.HandleFunc("/users/getToken", func(w http.ResponseWriter, r *http.Request) {
		fake.tokenCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["imp_key"] != "key" || body["imp_secret"] != "secret" {
			writeEnvelope(w, http.StatusUnauthorized, -1, "invalid credentials", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{
			"access_token": "tok-1",
			"expired_at":   testStart.Add(30 * time.Minute).Unix(),
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "tok-1" {
			writeEnvelope(w, http.StatusUnauthorized, -1, "unauthorized", nil)
			return
		}
		fake.paymentCalls.Add(1)
		handler, ok := fake.handlers[r.Method+" "+r.URL.Path]
		if !ok {
			writeEnvelope(w, http.StatusNotFound, 1, "not found", nil)
			return
		}
		handler(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewPortOneClient(PortOneConfig{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
		Timeout:   2 * time.Second,
	}, clockwork.NewFakeClockAt(testStart))
	return client, fake
}

func TestPortOne_VerifyPayment(t *testing.T) {
	paidAt := time.Date(2025, time.March, 10, 8, 30, 0, 0, time.UTC)
	customData := `{"account_id":42,"plan":"crescent"}`

	client, fake := newPortOneServer(t, map[string]http.HandlerFunc{
		"GET /payments/imp_paid": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{
				"imp_uid":      "imp_paid",
				"merchant_uid": "order-42",
				"amount":       13900,
				"status":       "paid",
				"paid_at":      paidAt.Unix(),
				"customer_uid": "billing-42",
				"pay_method":   "card",
				"custom_data":  customData,
			})
		},
		"GET /payments/imp_ready": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{
				"imp_uid":      "imp_ready",
				"merchant_uid": "order-43",
				"amount":       7900,
				"status":       "ready",
			})
		},
	})
	ctx := context.Background()

	info, err := client.VerifyPayment(ctx, "imp_paid")
	require.NoError(t, err)
	require.Equal(t, "imp_paid", info.ExternalPaymentID)
	require.Equal(t, "order-42", info.OrderRef)
	require.Equal(t, models.PaymentPaid, info.Status)
	require.Equal(t, int64(13900), info.Amount)
	require.Equal(t, "billing-42", info.BillingKey)
	require.NotNil(t, info.PaidAt)
	require.True(t, info.PaidAt.Equal(paidAt))
	require.Equal(t, map[string]string{"account_id": "42", "plan": "crescent"}, info.CustomData)

	info, err = client.VerifyPayment(ctx, "imp_ready")
	require.NoError(t, err)
	require.Equal(t, models.PaymentPending, info.Status)
	require.Nil(t, info.PaidAt)
	require.Nil(t, info.CustomData)

	_, err = client.VerifyPayment(ctx, "imp_missing")
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusNotFound, provErr.HTTPStatus)
	require.NotErrorIs(t, err, apperrors.ErrTransient)

	require.Equal(t, int32(1), fake.tokenCalls.Load())
}

func TestPortOne_TokenRefreshedNearExpiry(t *testing.T) {
	client, fake := newPortOneServer(t, map[string]http.HandlerFunc{
		"GET /payments/imp_1": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{"imp_uid": "imp_1", "status": "paid"})
		},
	})
	clock := client.clock.(*clockwork.FakeClock)

	_, err := client.VerifyPayment(context.Background(), "imp_1")
	require.NoError(t, err)
	clock.Advance(28 * time.Minute)
	_, err = client.VerifyPayment(context.Background(), "imp_1")
	require.NoError(t, err)
	require.Equal(t, int32(1), fake.tokenCalls.Load())

	clock.Advance(90 * time.Second)
	_, err = client.VerifyPayment(context.Background(), "imp_1")
	require.NoError(t, err)
	require.Equal(t, int32(2), fake.tokenCalls.Load())
}

func TestPortOne_ChargeByBillingKey(t *testing.T) {
	client, _ := newPortOneServer(t, map[string]http.HandlerFunc{
		"POST /subscribe/payments/again": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			switch body["customer_uid"] {
			case "billing-ok":
				writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{
					"imp_uid":      "imp_renew",
					"merchant_uid": body["merchant_uid"],
					"amount":       body["amount"],
					"status":       "paid",
					"paid_at":      testStart.Unix(),
				})
			case "billing-declined":
				writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{
					"imp_uid":     "imp_declined",
					"status":      "failed",
					"fail_reason": "insufficient funds",
				})
			default:
				writeEnvelope(w, http.StatusOK, 1, "billing key not found", nil)
			}
		},
	})
	ctx := context.Background()

	result, err := client.ChargeByBillingKey(ctx, ChargeRequest{BillingKey: "billing-ok", OrderRef: "renew-1-20250310", Amount: 13900, Name: "Crescent"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "imp_renew", result.ExternalPaymentID)
	require.True(t, result.PaidAt.Equal(testStart))

	result, err = client.ChargeByBillingKey(ctx, ChargeRequest{BillingKey: "billing-declined", OrderRef: "renew-2-20250310", Amount: 13900})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "imp_declined", result.ExternalPaymentID)
	require.Equal(t, "insufficient funds", result.FailReason)

	result, err = client.ChargeByBillingKey(ctx, ChargeRequest{BillingKey: "billing-gone", OrderRef: "renew-3-20250310", Amount: 13900})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "billing key not found", result.FailReason)
}

func TestPortOne_RefundAndDeleteBillingKey(t *testing.T) {
	var refunded, deleted string
	client, _ := newPortOneServer(t, map[string]http.HandlerFunc{
		"POST /payments/cancel": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			refunded = body["imp_uid"]
			writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{"imp_uid": body["imp_uid"], "status": "cancelled"})
		},
		"DELETE /subscribe/customers/billing-9": func(w http.ResponseWriter, r *http.Request) {
			deleted = "billing-9"
			writeEnvelope(w, http.StatusOK, 0, "", nil)
		},
	})
	ctx := context.Background()

	require.NoError(t, client.Refund(ctx, "imp_9", "customer request"))
	require.Equal(t, "imp_9", refunded)
	require.NoError(t, client.DeleteBillingKey(ctx, "billing-9"))
	require.Equal(t, "billing-9", deleted)
}

func TestPortOne_ServerErrorsAreTransient(t *testing.T) {
	client, fake := newPortOneServer(t, map[string]http.HandlerFunc{
		"GET /payments/imp_down": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.VerifyPayment(ctx, "imp_down")
		require.ErrorIs(t, err, apperrors.ErrTransient, "attempt %d", i+1)
	}
	require.Equal(t, int32(5), fake.paymentCalls.Load())

	// The breaker is open now and fails without reaching the provider.
	_, err := client.VerifyPayment(ctx, "imp_down")
	require.ErrorIs(t, err, apperrors.ErrTransient)
	require.Equal(t, int32(5), fake.paymentCalls.Load())
}

func TestPortOne_BadCredentials(t *testing.T) {
	client, _ := newPortOneServer(t, nil)
	client.cfg.APISecret = "wrong"

	_, err := client.VerifyPayment(context.Background(), "imp_1")
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "get_token", provErr.Op)
	require.Equal(t, "invalid credentials", provErr.Message)
}

func TestPortOne_FindPaymentByOrderRef(t *testing.T) {
	client, _ := newPortOneServer(t, map[string]http.HandlerFunc{
		"GET /payments/find/renew-7-20250310": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, 0, "", map[string]interface{}{
				"imp_uid":      "imp_renew",
				"merchant_uid": "renew-7-20250310",
				"amount":       13900,
				"status":       "ready",
			})
		},
	})
	ctx := context.Background()

	info, err := client.FindPaymentByOrderRef(ctx, "renew-7-20250310")
	require.NoError(t, err)
	require.Equal(t, "imp_renew", info.ExternalPaymentID)
	require.Equal(t, models.PaymentPending, info.Status)

	_, err = client.FindPaymentByOrderRef(ctx, "renew-7-20250311")
	require.True(t, IsPaymentNotFound(err))
	require.False(t, IsPaymentNotFound(apperrors.Transient("portone.find_payment", context.DeadlineExceeded)))
}
