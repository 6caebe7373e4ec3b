package models

import (
	"gorm.io/gorm"
)

// SendingProvider holds the credentials a sequence email is sent with
type SendingProvider struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	ProviderType string `gorm:"not null" json:"provider_type"` // smtp

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`          // Encrypted in application layer
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	IsActive  bool    `json:"is_active"`
	LastError *string `json:"last_error"`
}

// Sanitize strips secrets before the provider leaves the process
func (p *SendingProvider) Sanitize() {
	p.SMTPPassword = ""
}

// ProviderConfig is the non-secret part of the provider handed to the send queue
func (p *SendingProvider) ProviderConfig() map[string]any {
	return map[string]any{
		"provider_type": p.ProviderType,
		"smtp_host":     p.SMTPHost,
		"smtp_port":     p.SMTPPort,
		"smtp_username": p.SMTPUsername,
		"encryption":    p.Encryption,
	}
}
