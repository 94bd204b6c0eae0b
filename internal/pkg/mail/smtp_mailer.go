package mail

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/cardlinkhq/cardlink/internal/pkg/env"
)

// Mailer is the transactional mail interface used by the billing service and
// the trial notifier. Tests substitute a fake.
type Mailer interface {
	Send(to, subject, body string) error
}

// SMTPMailer sends mail via the SMTP_* environment configuration.
type SMTPMailer struct{}

func (SMTPMailer) Send(to, subject, body string) error {
	return SendMail(to, subject, body)
}

// SendMail sends a single HTML email via SMTP.
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")

	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, auth, sender, []string{to}, msg)
	if err != nil {
		log.Printf("SMTP send error: %v", err)
	}
	return err
}
