package utils

import (
	"context"
	"fmt"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"

	"courselit/automation"
)

// Mailer delivers engine emails over SMTP. It implements automation.Mailer.
type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
}

func NewMailer(host string, port int, username, password string) *Mailer {
	return &Mailer{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}
}

func (m *Mailer) Send(ctx context.Context, email automation.Email) error {
	if len(email.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	for _, to := range email.To {
		if err := checkmail.ValidateFormat(to); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", to, err)
		}
	}

	msg := gomail.NewMessage()
	from := email.From
	if email.FromName != "" {
		from = msg.FormatAddress(email.From, email.FromName)
	}
	msg.SetHeader("From", from)
	msg.SetHeader("To", email.To...)
	msg.SetHeader("Subject", email.Subject)
	msg.SetBody("text/html", email.HTML)

	d := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}
