package email

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/firstbad/bisectd/internal/domain"
	"github.com/resend/resend-go/v2"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs emails instead of sending them. ENV=local uses it.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("job notification email (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender delivers through the Resend API in staging and production.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" {
		return &LogSender{logger: logger}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// JobOutcome renders the completion notification for a finished bisect job.
func JobOutcome(job *domain.Job, outcome domain.Outcome) (subject, body string) {
	repo := job.RepoOwner + "/" + job.RepoName
	subject = fmt.Sprintf("Bisect job #%d for %s: %s", job.ID, repo, outcome.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "<p>Bisect job <strong>#%d</strong> for <strong>%s</strong> finished with status <strong>%s</strong>.</p>",
		job.ID, html.EscapeString(repo), outcome.Status)
	if outcome.CulpritSHA != nil {
		msg := ""
		if outcome.CulpritMessage != nil {
			msg = *outcome.CulpritMessage
		}
		fmt.Fprintf(&b, "<p>First bad commit: <code>%s</code> %s</p>",
			shortSHA(*outcome.CulpritSHA), html.EscapeString(msg))
	}
	if outcome.ErrorMessage != nil {
		fmt.Fprintf(&b, "<p>Error: %s</p>", html.EscapeString(*outcome.ErrorMessage))
	}
	return subject, b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
