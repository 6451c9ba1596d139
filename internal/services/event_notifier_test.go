package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lunawave-api/internal/plans"

	"github.com/stretchr/testify/require"
)

type receivedEvent struct {
	body      []byte
	signature string
}

func TestWebhookNotifier_SignsAndDelivers(t *testing.T) {
	received := make(chan receivedEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- receivedEvent{body: body, signature: r.Header.Get(SignatureHeader)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, "outbound-secret")
	notifier.Notify(context.Background(), Event{
		Type:      EventPlanRenewed,
		AccountID: 7,
		UserID:    "user-7",
		Email:     "user7@example.com",
		Plan:      plans.HalfMoon,
		Timestamp: testStart,
	})

	select {
	case got := <-received:
		require.NoError(t, NewSignatureVerifier("outbound-secret").Verify(got.body, got.signature))

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(got.body, &payload))
		require.Equal(t, "plan.renewed", payload["event"])
		require.Equal(t, "halfmoon", payload["plan"])
		require.NotContains(t, payload, "email")
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookNotifier_RetriesFailures(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, "")
	notifier.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	notifier.Notify(context.Background(), Event{Type: EventPlanExpired, AccountID: 1})

	select {
	case <-done:
		require.Equal(t, int32(3), attempts.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not retried")
	}
}

func TestWebhookNotifier_NoURL(t *testing.T) {
	NewWebhookNotifier("", "secret").Notify(context.Background(), Event{Type: EventPlanActivated})
}

func TestMultiNotifier(t *testing.T) {
	first, second := &recordingNotifier{}, &recordingNotifier{}
	MultiNotifier{first, NoopNotifier(), second}.Notify(context.Background(), Event{Type: EventRefunded})

	require.Equal(t, []EventType{EventRefunded}, first.types())
	require.Equal(t, []EventType{EventRefunded}, second.types())
}

func TestEmailNotifier_Render(t *testing.T) {
	notifier := NewEmailNotifier("test-key", "billing@lunawave.app", "LunaWave", plans.Default())

	cases := map[string]struct {
		event   Event
		ok      bool
		subject string
		text    string
	}{
		"renewal failed": {
			event:   Event{Type: EventRenewalFailed, Plan: plans.Crescent, Reason: "card declined"},
			ok:      true,
			subject: "couldn't renew",
			text:    "Crescent plan (card declined)",
		},
		"refunded": {
			event:   Event{Type: EventRefunded, Plan: plans.Free, PreviousPlan: plans.HalfMoon, Amount: 33000},
			ok:      true,
			subject: "refund",
			text:    "Half Moon subscription payment of 33000 KRW",
		},
		"expired": {
			event:   Event{Type: EventPlanExpired, Plan: plans.Free, PreviousPlan: plans.FullMoon},
			ok:      true,
			subject: "has ended",
			text:    "Full Moon plan has expired",
		},
		"activated is not mailed": {
			event: Event{Type: EventPlanActivated, Plan: plans.Crescent},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			subject, text, ok := notifier.render(tc.event)
			require.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			require.Contains(t, subject, tc.subject)
			require.Contains(t, text, tc.text)
		})
	}
}
