package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"lunawave-api/internal/models"
	"lunawave-api/internal/plans"
	"lunawave-api/pkg/logging"
)

// EventType names a plan or payment transition.
type EventType string

const (
	EventPlanActivated     EventType = "plan.activated"
	EventPlanRenewed       EventType = "plan.renewed"
	EventRenewalFailed     EventType = "plan.renewal_failed"
	EventPlanExpired       EventType = "plan.expired"
	EventSubscriptionEnded EventType = "subscription.cancelled"
	EventRefunded          EventType = "subscription.refunded"
	EventPurchaseCompleted EventType = "purchase.completed"
)

// Event is sent to downstream systems after a commit.
type Event struct {
	Type         EventType  `json:"event"`
	AccountID    uint       `json:"account_id"`
	UserID       string     `json:"user_id"`
	Email        string     `json:"-"`
	Plan         plans.Plan `json:"plan"`
	PreviousPlan plans.Plan `json:"previous_plan,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	OrderRef     string     `json:"order_ref,omitempty"`
	Amount       int64      `json:"amount,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

func newEvent(eventType EventType, account *models.Account, now time.Time) Event {
	return Event{
		Type:      eventType,
		AccountID: account.ID,
		UserID:    account.UserID,
		Email:     account.Email,
		Plan:      account.Plan,
		ExpiresAt: account.PlanExpiresAt,
		Timestamp: now,
	}
}

// Notifier delivers events. Implementations must not block the caller on
// network I/O and must never fail the operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// MultiNotifier fans an event out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Event) {}

// NoopNotifier drops every event.
func NoopNotifier() Notifier { return noopNotifier{} }

// WebhookNotifier posts events to a configured URL, signed with HMAC-SHA256.
type WebhookNotifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:         url,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// Notify sends the event in the background.
func (wn *WebhookNotifier) Notify(_ context.Context, event Event) {
	if wn.url == "" {
		return
	}
	go wn.sendWithRetry(event)
}

// sendWithRetry makes up to len(retryDelays) attempts, waiting the matching
// delay after each failure except the last.
func (wn *WebhookNotifier) sendWithRetry(event Event) {
	attempts := len(wn.retryDelays)
	for attempt := 0; attempt < attempts; attempt++ {
		err := wn.send(event)
		if err == nil {
			logging.Infof("Event webhook sent - event: %s, account: %d, attempt: %d", event.Type, event.AccountID, attempt+1)
			return
		}

		logging.Errorf("Event webhook failed - event: %s, account: %d, attempt: %d, error: %v",
			event.Type, event.AccountID, attempt+1, err)

		if attempt < attempts-1 {
			time.Sleep(wn.retryDelays[attempt])
		}
	}

	logging.Errorf("Event webhook gave up after %d attempts - event: %s, account: %d", attempts, event.Type, event.AccountID)
}

func (wn *WebhookNotifier) send(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, wn.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LunaWave-Webhook/1.0")
	if wn.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
