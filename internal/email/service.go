// Package email sends transactional mail over SMTP.
package email

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured reports whether SMTP settings are complete. When false
// the API falls back to returning tokens in responses for development.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

var invitationTemplate = template.Must(template.New("invitation").Parse(
	`You have been invited to join {{.Product}} as {{.RoleArticle}} {{.Role}}.

Accept your invitation within {{.ExpiresInDays}} days:

  {{.AcceptURL}}

If you were not expecting this invitation you can ignore this email.
`))

type InvitationEmail struct {
	To            string
	Role          string
	AcceptURL     string
	ExpiresInDays int
}

// SendInvitation renders and sends the invitation email.
func (s *Service) SendInvitation(inv InvitationEmail) error {
	article := "a"
	if strings.HasPrefix(inv.Role, "a") || strings.HasPrefix(inv.Role, "e") {
		article = "an"
	}

	var body bytes.Buffer
	if err := invitationTemplate.Execute(&body, map[string]any{
		"Product":       s.config.FromName,
		"Role":          inv.Role,
		"RoleArticle":   article,
		"AcceptURL":     inv.AcceptURL,
		"ExpiresInDays": inv.ExpiresInDays,
	}); err != nil {
		return fmt.Errorf("render invitation email: %w", err)
	}

	subject := fmt.Sprintf("You're invited to %s", s.config.FromName)
	return s.SendEmail([]string{inv.To}, subject, body.String())
}
