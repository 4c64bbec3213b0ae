package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"gymflow/internal/domain"
)

// Message describes one outbound email. Context carries the template
// variables; the core never inspects rendered content.
type Message struct {
	Kind    domain.JobKind
	To      string
	ToName  string
	Context map[string]any
}

// Sender delivers an email and returns an opaque message id. A non-nil error
// means the send failed; callers decide what that does to entity state.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

var subjects = map[domain.JobKind]string{
	domain.KindLeadResponse:     "Danke für deine Anfrage!",
	domain.KindLeadNurturing2:   "Bereit für dein erstes Training?",
	domain.KindLeadNurturing5:   "Dein Probetraining wartet auf dich",
	domain.KindLeadNurturing7:   "Letzte Erinnerung: Starte jetzt durch",
	domain.KindMemberWelcome:    "Willkommen im Team!",
	domain.KindTeamNotification: "Neues Mitglied angemeldet",
}

// SMTPSender sends templated email over SMTP.
type SMTPSender struct {
	host        string
	port        int
	user        string
	password    string
	from        string
	templateDir string
	log         zerolog.Logger
}

func NewSMTPSender(host string, port int, user, password, from, templateDir string, log zerolog.Logger) *SMTPSender {
	return &SMTPSender{
		host:        host,
		port:        port,
		user:        user,
		password:    password,
		from:        from,
		templateDir: templateDir,
		log:         log,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	subject, ok := subjects[msg.Kind]
	if !ok {
		return "", fmt.Errorf("unknown email kind: %s", msg.Kind)
	}

	tmplPath := filepath.Join(s.templateDir, string(msg.Kind)+".html")
	t, err := template.ParseFiles(tmplPath)
	if err != nil {
		return "", fmt.Errorf("parse email template: %w", err)
	}

	var body bytes.Buffer
	if err := t.Execute(&body, msg.Context); err != nil {
		return "", fmt.Errorf("render email template: %w", err)
	}

	messageID := "msg_" + uuid.NewString()
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", m.FormatAddress(msg.To, msg.ToName))
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@gymflow>", messageID))
	m.SetBody("text/html", body.String())

	d := gomail.NewDialer(s.host, s.port, s.user, s.password)
	if err := d.DialAndSend(m); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}

	s.log.Info().Str("kind", string(msg.Kind)).Str("to", msg.To).Str("message_id", messageID).Msg("email sent")
	return messageID, nil
}
