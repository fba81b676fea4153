package email

import (
	"fmt"
	"log"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Service handles email sending
type Service struct {
	fromEmail   string
	fromName    string
	baseURL     string
	sendGridKey string
	useSendGrid bool
}

// NewService creates a new email service
// If sendGridAPIKey is provided, emails will be sent via SendGrid
// Otherwise, emails will be logged to console (development mode)
func NewService(fromEmail, fromName, baseURL, sendGridAPIKey string) *Service {
	useSendGrid := sendGridAPIKey != ""
	if useSendGrid {
		log.Printf("✅ Email service initialized with SendGrid")
	} else {
		log.Printf("⚠️  Email service in console-only mode (set SENDGRID_API_KEY for production)")
	}

	return &Service{
		fromEmail:   fromEmail,
		fromName:    fromName,
		baseURL:     strings.TrimRight(baseURL, "/"),
		sendGridKey: sendGridAPIKey,
		useSendGrid: useSendGrid,
	}
}

// SendAffiliateWelcomeEmail tells a new affiliate their share link
func (s *Service) SendAffiliateWelcomeEmail(toEmail, toName, shareURL string, commissionRate int) error {
	subject := "You're now an affiliate"
	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>Welcome to the affiliate program!</h2>
			<p>Hi %s,</p>
			<p>You earn %d%% on every course purchase made through your link:</p>
			<p><a href="%s">%s</a></p>
			<p>Connect a payout account from your <a href="%s/affiliate">affiliate dashboard</a> to get paid automatically.</p>
		</body>
		</html>
	`, toName, commissionRate, shareURL, shareURL, s.baseURL)

	plainText := fmt.Sprintf(`
Hi %s,

You earn %d%% on every course purchase made through your link:

%s

Connect a payout account from your affiliate dashboard (%s/affiliate) to get paid automatically.
	`, toName, commissionRate, shareURL, s.baseURL)

	if s.useSendGrid {
		return s.sendViaSendGrid(toEmail, toName, subject, body, plainText)
	}
	return s.logEmailToConsole(toEmail, toName, subject, shareURL)
}

// SendPayoutCompletedEmail confirms money was sent
func (s *Service) SendPayoutCompletedEmail(toEmail, toName string, amount int64, currency, transactionID string) error {
	formatted := FormatAmount(amount, currency)
	subject := fmt.Sprintf("Your affiliate payout of %s is on its way", formatted)
	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>Payout sent</h2>
			<p>Hi %s,</p>
			<p>We sent %s to your connected payout account.</p>
			<p>Reference: <code>%s</code></p>
			<p><a href="%s/affiliate/payouts">View payout history</a></p>
		</body>
		</html>
	`, toName, formatted, transactionID, s.baseURL)

	plainText := fmt.Sprintf(`
Hi %s,

We sent %s to your connected payout account.
Reference: %s

View payout history: %s/affiliate/payouts
	`, toName, formatted, transactionID, s.baseURL)

	if s.useSendGrid {
		return s.sendViaSendGrid(toEmail, toName, subject, body, plainText)
	}
	return s.logEmailToConsole(toEmail, toName, subject, s.baseURL+"/affiliate/payouts")
}

// SendPayoutFailedEmail asks the affiliate to check their payout account
func (s *Service) SendPayoutFailedEmail(toEmail, toName string, amount int64, currency, reason string) error {
	formatted := FormatAmount(amount, currency)
	subject := "We couldn't send your affiliate payout"
	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>Payout failed</h2>
			<p>Hi %s,</p>
			<p>A payout of %s could not be sent: %s</p>
			<p>Your balance is unchanged and will be retried in the next payout run.
			Please check your <a href="%s/affiliate">payout account</a>.</p>
		</body>
		</html>
	`, toName, formatted, reason, s.baseURL)

	plainText := fmt.Sprintf(`
Hi %s,

A payout of %s could not be sent: %s

Your balance is unchanged and will be retried in the next payout run.
Please check your payout account: %s/affiliate
	`, toName, formatted, reason, s.baseURL)

	if s.useSendGrid {
		return s.sendViaSendGrid(toEmail, toName, subject, body, plainText)
	}
	return s.logEmailToConsole(toEmail, toName, subject, s.baseURL+"/affiliate")
}

// FormatAmount renders minor units as a decimal amount with the currency code
func FormatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}

func (s *Service) sendViaSendGrid(toEmail, toName, subject, htmlBody, plainTextBody string) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(toName, toEmail)

	message := mail.NewSingleEmail(from, subject, to, plainTextBody, htmlBody)

	client := sendgrid.NewSendClient(s.sendGridKey)
	response, err := client.Send(message)

	if err != nil {
		log.Printf("❌ SendGrid error: %v", err)
		return fmt.Errorf("failed to send email: %w", err)
	}

	if response.StatusCode >= 400 {
		log.Printf("❌ SendGrid returned error status %d: %s", response.StatusCode, response.Body)
		return fmt.Errorf("sendgrid returned error status: %d", response.StatusCode)
	}

	log.Printf("✅ Email sent successfully to %s (SendGrid status: %d)", toEmail, response.StatusCode)
	return nil
}

// logEmailToConsole logs email details to console (development mode)
func (s *Service) logEmailToConsole(toEmail, toName, subject, actionURL string) error {
	log.Printf("📧 [EMAIL] %s", subject)
	log.Printf("   To: %s <%s>", toName, toEmail)
	log.Printf("   From: %s <%s>", s.fromName, s.fromEmail)
	log.Printf("   Action URL: %s", actionURL)
	log.Printf("   ⚠️  Email NOT sent (development mode)")
	return nil
}
