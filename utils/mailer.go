package utils

import (
	"crypto/tls"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTPSettings are the decrypted connection details of a sending provider.
type SMTPSettings struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // ssl, tls, none
}

type EmailData struct {
	Subject   string
	To        []string
	HTMLBody  string
	FromName  string
	FromEmail string
	MessageID string
}

// BuildMessage assembles the MIME message for data.
func BuildMessage(data EmailData) *gomail.Message {
	m := gomail.NewMessage()
	if data.FromName != "" {
		m.SetAddressHeader("From", data.FromEmail, data.FromName)
	} else {
		m.SetHeader("From", data.FromEmail)
	}
	m.SetHeader("To", data.To...)
	m.SetHeader("Subject", data.Subject)
	if data.MessageID != "" {
		m.SetHeader("Message-ID", fmt.Sprintf("<%s@sequencer>", data.MessageID))
	}
	m.SetBody("text/html", data.HTMLBody)
	return m
}

// SMTPMailer delivers messages with gomail.
type SMTPMailer struct{}

func (SMTPMailer) Send(settings SMTPSettings, data EmailData) error {
	if settings.Host == "" || settings.Port == 0 {
		return fmt.Errorf("smtp host and port are required")
	}

	d := gomail.NewDialer(settings.Host, settings.Port, settings.Username, settings.Password)
	switch strings.ToLower(settings.Encryption) {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit provider opt-out
	default:
		d.TLSConfig = &tls.Config{ServerName: settings.Host}
	}

	if err := d.DialAndSend(BuildMessage(data)); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}
