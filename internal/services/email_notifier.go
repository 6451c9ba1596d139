package services

import (
	"context"
	"fmt"
	"time"

	"lunawave-api/internal/plans"
	"lunawave-api/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// EmailNotifier mails account holders about billing problems through Brevo.
// Only renewal failures, refunds and expiries are mailed.
type EmailNotifier struct {
	client    *brevo.APIClient
	catalog   *plans.Catalog
	fromEmail string
	fromName  string
	timeout   time.Duration
}

// NewEmailNotifier creates a Brevo-backed notifier.
func NewEmailNotifier(apiKey, fromEmail, fromName string, catalog *plans.Catalog) *EmailNotifier {
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	return &EmailNotifier{
		client:    brevo.NewAPIClient(cfg),
		catalog:   catalog,
		fromEmail: fromEmail,
		fromName:  fromName,
		timeout:   15 * time.Second,
	}
}

func (s *EmailNotifier) Notify(_ context.Context, event Event) {
	if event.Email == "" {
		return
	}
	subject, text, ok := s.render(event)
	if !ok {
		return
	}
	go func() {
		if err := s.send(event.Email, subject, text); err != nil {
			logging.Errorf("Failed to send %s email to account %d: %v", event.Type, event.AccountID, err)
		}
	}()
}

func (s *EmailNotifier) render(event Event) (subject, text string, ok bool) {
	plan := event.Plan
	if event.PreviousPlan != "" {
		plan = event.PreviousPlan
	}
	name := s.catalog.Tier(plan).DisplayName

	switch event.Type {
	case EventRenewalFailed:
		return "LunaWave: we couldn't renew your plan",
			fmt.Sprintf("We couldn't charge your card for the %s plan (%s). We'll retry daily for a few days; please check your payment method.", name, event.Reason),
			true
	case EventRefunded:
		return "LunaWave: your refund is on its way",
			fmt.Sprintf("Your %s subscription payment of %d KRW was refunded and your account moved to the free plan.", name, event.Amount),
			true
	case EventPlanExpired:
		return "LunaWave: your plan has ended",
			fmt.Sprintf("Your %s plan has expired and your account is now on the free plan. You can subscribe again at any time.", name),
			true
	}
	return "", "", false
}

func (s *EmailNotifier) send(to, subject, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background-color: #f4f2fb; padding: 30px; border-radius: 10px;">
		<h2 style="color: #333;">%s</h2>
		<p style="color: #555; font-size: 15px;">%s</p>
	</div>
</body>
</html>`, subject, text)

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  s.fromName,
			Email: s.fromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: to},
		},
		Subject:     subject,
		HtmlContent: html,
		TextContent: text,
	}

	_, resp, err := s.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("brevo send failed: %w", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	return nil
}
