package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/domain"
)

// MailConfig holds sender addresses and links used in email bodies.
type MailConfig struct {
	AppURL      string
	NoReplyFrom string
	SupportFrom string
	UpdatesFrom string
}

// DefaultMailConfig returns the production senders.
func DefaultMailConfig() MailConfig {
	return MailConfig{
		AppURL:      "https://taxbracketai.com",
		NoReplyFrom: `"TaxBracket" <noreply@taxbracketai.com>`,
		SupportFrom: `"TaxBracket" <support@taxbracketai.com>`,
		UpdatesFrom: `"TaxBracket" <hello@taxbracketai.com>`,
	}
}

const emailLayout = `{{define "open"}}<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 32px;">{{end}}
{{define "button"}}<a href="{{.}}" style="display: inline-block; margin-top: 24px; padding: 12px 24px; background-color: #111827; color: #fff; border-radius: 8px; text-decoration: none; font-weight: 500;">{{end}}

{{define "welcome"}}{{template "open"}}
<h1 style="font-size: 24px; font-weight: 700; margin-bottom: 8px;">Welcome to TaxBracket, {{.Name}}!</h1>
<p style="color: #6b7280; line-height: 1.6;">You're all set. Your account has been created and you can start using TaxBracket right away.</p>
{{template "button" .AppURL}}Get Started</a>
<p style="margin-top: 32px; font-size: 12px; color: #9ca3af;">If you didn't create this account, you can safely ignore this email.</p>
</div>{{end}}

{{define "password-reset"}}{{template "open"}}
<h1 style="font-size: 24px; font-weight: 700; margin-bottom: 8px;">Reset your password</h1>
<p style="color: #6b7280; line-height: 1.6;">Hi {{.Name}}, we received a request to reset your TaxBracket password. Click the button below to set a new password. This link expires in <strong>1 hour</strong>.</p>
{{template "button" .ResetLink}}Reset Password</a>
<p style="margin-top: 16px; font-size: 12px; color: #9ca3af;">Or copy and paste this link: {{.ResetLink}}</p>
<p style="margin-top: 32px; font-size: 12px; color: #9ca3af;">If you didn't request a password reset, you can safely ignore this email.</p>
</div>{{end}}

{{define "password-changed"}}{{template "open"}}
<h1 style="font-size: 24px; font-weight: 700; margin-bottom: 8px;">Password changed</h1>
<p style="color: #6b7280; line-height: 1.6;">Hi {{.Name}}, your TaxBracket password was successfully changed.</p>
<p style="color: #6b7280; line-height: 1.6;">If you didn't make this change, please <a href="{{.AppURL}}/auth/forgot-password" style="color: #111827;">reset your password immediately</a> or contact our support team.</p>
<p style="margin-top: 32px; font-size: 12px; color: #9ca3af;">This is an automated security notification.</p>
</div>{{end}}

{{define "support"}}{{template "open"}}
<h1 style="font-size: 20px; font-weight: 700; margin-bottom: 4px;">{{.Label}} from {{.FromName}}</h1>
<p style="font-size: 13px; color: #6b7280; margin-bottom: 24px;">{{.FromEmail}}</p>
<p style="white-space: pre-wrap; line-height: 1.6; color: #111827;">{{.Message}}</p>
</div>{{end}}

{{define "product-update"}}{{template "open"}}
<h1 style="font-size: 22px; font-weight: 700; margin-bottom: 16px;">{{.Subject}}</h1>
<div style="line-height: 1.6; color: #374151;">{{.Content}}</div>
<p style="margin-top: 40px; font-size: 11px; color: #9ca3af;">
You're receiving this because you opted in to product updates from TaxBracket.<br/>
To unsubscribe, update your <a href="{{.AppURL}}/settings" style="color: #6b7280;">notification preferences</a>.
</p>
</div>{{end}}`

var emailTemplates = template.Must(template.New("email").Parse(emailLayout))

var authSubjects = map[string]string{
	"welcome":          "Welcome to TaxBracket!",
	"password-reset":   "Reset your TaxBracket password",
	"password-changed": "Your TaxBracket password was changed",
}

func render(name string, data any) (string, error) {
	var b bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", name, err)
	}
	return b.String(), nil
}

// ComposeAuthEmail renders a welcome or password email.
func ComposeAuthEmail(cfg MailConfig, p domain.AuthEmailPayload) (domain.Mail, error) {
	subject, ok := authSubjects[p.Type]
	if !ok {
		return domain.Mail{}, fmt.Errorf("%w: auth email type %q", domain.ErrInvalidPayload, p.Type)
	}
	html, err := render(p.Type, struct {
		domain.AuthEmailPayload
		AppURL string
	}{p, cfg.AppURL})
	if err != nil {
		return domain.Mail{}, err
	}
	return domain.Mail{From: cfg.NoReplyFrom, To: p.To, Subject: subject, HTML: html}, nil
}

// ComposeSupportEmail renders a support or feedback message for the team inbox.
func ComposeSupportEmail(cfg MailConfig, p domain.SupportEmailPayload) (domain.Mail, error) {
	label := "Help & Support"
	if p.Type == "feedback" {
		label = "Feedback"
	}
	html, err := render("support", struct {
		domain.SupportEmailPayload
		Label string
	}{p, label})
	if err != nil {
		return domain.Mail{}, err
	}
	return domain.Mail{
		From:    cfg.SupportFrom,
		To:      p.To,
		ReplyTo: p.FromEmail,
		Subject: fmt.Sprintf("[%s] %s", label, p.Subject),
		HTML:    html,
	}, nil
}

// ComposeProductUpdateEmail renders an announcement. Content is trusted
// HTML written by the team.
func ComposeProductUpdateEmail(cfg MailConfig, p domain.ProductUpdateEmailPayload) (domain.Mail, error) {
	html, err := render("product-update", struct {
		Subject string
		Content template.HTML
		AppURL  string
	}{p.Subject, template.HTML(p.Content), cfg.AppURL})
	if err != nil {
		return domain.Mail{}, err
	}
	return domain.Mail{From: cfg.UpdatesFrom, To: p.To, Subject: p.Subject, HTML: html}, nil
}

// HandleEmail sends every mail of the batch. A failed send fails the batch,
// so earlier mails of it may be sent again on retry.
func (p *Pipeline) HandleEmail(ctx context.Context, jobs []domain.Job) (string, error) {
	for i := range jobs {
		job := &jobs[i]
		payload, err := job.DecodePayload()
		if err != nil {
			return "", err
		}

		var m domain.Mail
		switch v := payload.(type) {
		case domain.AuthEmailPayload:
			m, err = ComposeAuthEmail(p.cfg.Mail, v)
		case domain.SupportEmailPayload:
			m, err = ComposeSupportEmail(p.cfg.Mail, v)
		case domain.ProductUpdateEmailPayload:
			m, err = ComposeProductUpdateEmail(p.cfg.Mail, v)
		default:
			err = fmt.Errorf("%w: %s is not an email queue", domain.ErrUnknownQueue, job.Queue)
		}
		if err != nil {
			return "", err
		}
		if err := p.mailer.Send(ctx, m); err != nil {
			return "", fmt.Errorf("send %s: %w", job.Queue, err)
		}
		p.logger.Info("email sent", zap.String("job_id", job.ID), zap.String("queue", string(job.Queue)))
	}
	return fmt.Sprintf("sent %d", len(jobs)), nil
}
