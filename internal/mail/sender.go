// Package mail delivers verification and password reset codes to users.
package mail

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/mrz1836/postmark"
	"github.com/sirupsen/logrus"
)

var ErrSendFailed = errors.New("failed to send email")

const (
	verificationSubject  = "Verify your account"
	passwordResetSubject = "Reset your password"
)

// PostmarkSender sends verification messages through Postmark's
// transactional API.
type PostmarkSender struct {
	client *postmark.Client
	from   string
	logger *logrus.Logger
}

func NewPostmarkSender(client *postmark.Client, from string, logger *logrus.Logger) *PostmarkSender {
	return &PostmarkSender{
		client: client,
		from:   from,
		logger: logger,
	}
}

func (s *PostmarkSender) SendVerification(ctx context.Context, to, code, link string) error {
	return s.send(ctx, postmark.Email{
		From:     s.from,
		To:       to,
		Subject:  verificationSubject,
		Tag:      "verification",
		HTMLBody: verificationHTML(code, link),
		TextBody: verificationText(code, link),
	})
}

func (s *PostmarkSender) SendPasswordReset(ctx context.Context, to, code string) error {
	return s.send(ctx, postmark.Email{
		From:     s.from,
		To:       to,
		Subject:  passwordResetSubject,
		Tag:      "password-reset",
		HTMLBody: passwordResetHTML(code),
		TextBody: passwordResetText(code),
	})
}

func (s *PostmarkSender) send(ctx context.Context, email postmark.Email) error {
	resp, err := s.client.SendEmail(ctx, email)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"to":  email.To,
			"tag": email.Tag,
		}).Error("Failed to send email")
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		s.logger.WithFields(logrus.Fields{
			"to":         email.To,
			"tag":        email.Tag,
			"error_code": resp.ErrorCode,
		}).Error("Postmark rejected email")
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}

	s.logger.WithFields(logrus.Fields{
		"to":         email.To,
		"tag":        email.Tag,
		"message_id": resp.MessageID,
	}).Info("Email sent")
	return nil
}

// LogSender only records that a message would have been sent. It is used
// when no mail provider is configured.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendVerification(_ context.Context, to, _, _ string) error {
	s.logger.WithField("to", to).Info("Verification email suppressed (no mail provider configured)")
	return nil
}

func (s *LogSender) SendPasswordReset(_ context.Context, to, _ string) error {
	s.logger.WithField("to", to).Info("Password reset email suppressed (no mail provider configured)")
	return nil
}

func verificationText(code, link string) string {
	return fmt.Sprintf("Your verification code is %s.\n\nOr open %s to verify your account.", code, link)
}

func verificationHTML(code, link string) string {
	return fmt.Sprintf(`<p>Your verification code is <strong>%s</strong>.</p><p>Or <a href="%s">verify your account</a>.</p>`,
		html.EscapeString(code), html.EscapeString(link))
}

func passwordResetText(code string) string {
	return fmt.Sprintf("Your password reset code is %s.\n\nIf you did not ask to reset your password, ignore this message.", code)
}

func passwordResetHTML(code string) string {
	return fmt.Sprintf(`<p>Your password reset code is <strong>%s</strong>.</p><p>If you did not ask to reset your password, ignore this message.</p>`,
		html.EscapeString(code))
}
