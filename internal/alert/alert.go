// Package alert sends an optional email notification on health
// transitions. It is a supplemental feature (the core reconciler does
// not depend on it) grounded on the original settings-gated SMTP sender.
//
// Implemented with net/smtp from the standard library: no example repo
// in the pack imports a third-party mail client, and the original's own
// implementation is a direct smtplib/STARTTLS call with no templating,
// retries, or provider-specific API — a thin stdlib wrapper matches it
// line for line without pulling in an unneeded dependency.
package alert

import (
	"fmt"
	"net/smtp"

	"github.com/cuemby/dsr/internal/config"
)

// Notifier sends health-transition emails when enabled and fully
// configured; otherwise Send is a no-op that returns false.
type Notifier struct {
	cfg config.Config
}

// New builds a Notifier from the process config.
func New(cfg config.Config) *Notifier {
	return &Notifier{cfg: cfg}
}

// Send emails subject/body to the configured recipient. It returns false
// (without error) whenever alerting is disabled or incompletely
// configured, matching the original's best-effort semantics.
func (n *Notifier) Send(subject, body string) bool {
	c := n.cfg
	if !c.EnableEmail {
		return false
	}
	if c.SMTPHost == "" || c.SMTPPort == 0 || c.SMTPUser == "" || c.SMTPPassword == "" || c.EmailFrom == "" || c.EmailTo == "" {
		return false
	}

	addr := fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
	auth := smtp.PlainAuth("", c.SMTPUser, c.SMTPPassword, c.SMTPHost)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", c.EmailFrom, c.EmailTo, subject, body)

	if err := smtp.SendMail(addr, auth, c.EmailFrom, []string{c.EmailTo}, []byte(msg)); err != nil {
		return false
	}
	return true
}

// DownSubject and RecoveredSubject format the subject line for a health
// transition with a plain "DOWN:" or "RECOVERED:" prefix.
func DownSubject(service, version, instance string) string {
	return fmt.Sprintf("DOWN: %s %s (%s)", service, version, instance)
}

func RecoveredSubject(service, version, instance string) string {
	return fmt.Sprintf("RECOVERED: %s %s (%s)", service, version, instance)
}

// Body formats the notification body.
func Body(service, version, instance string, ok bool, detail string) string {
	status := "DOWN"
	if ok {
		status = "UP"
	}
	return fmt.Sprintf("Service: %s\nVersion: %s\nInstance: %s\nStatus: %s\nDetail: %s", service, version, instance, status, detail)
}
