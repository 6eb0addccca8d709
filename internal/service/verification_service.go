package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"time"

	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/repository"
	"github.com/sirupsen/logrus"
)

var (
	ErrVerificationCodeInvalid = errors.New("invalid or expired verification code")
	ErrAlreadyVerified         = errors.New("user already verified")
	ErrMailDispatch            = errors.New("verification message could not be sent")
)

const (
	codeAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxIssueAttempts = 3
)

type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Save(ctx context.Context, user *models.User) error
}

type VerificationTokenRepository interface {
	Replace(ctx context.Context, token *models.VerificationToken) error
	FindByCode(ctx context.Context, code string) (*models.VerificationToken, error)
	Delete(ctx context.Context, token *models.VerificationToken) error
}

type VerificationSender interface {
	SendVerification(ctx context.Context, to, code, link string) error
	SendPasswordReset(ctx context.Context, to, code string) error
}

// VerificationService manages single-use codes proving control of a user's
// email address. A user has at most one live code, whatever its purpose.
type VerificationService struct {
	tokens  VerificationTokenRepository
	users   UserRepository
	sender  VerificationSender
	cfg     *config.VerificationConfig
	random  io.Reader
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

func NewVerificationService(
	tokens VerificationTokenRepository,
	users UserRepository,
	sender VerificationSender,
	cfg *config.VerificationConfig,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *VerificationService {
	return &VerificationService{
		tokens:  tokens,
		users:   users,
		sender:  sender,
		cfg:     cfg,
		random:  rand.Reader,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// Issue replaces any code the user holds with a fresh activation code.
func (s *VerificationService) Issue(ctx context.Context, user *models.User) (string, error) {
	return s.issue(ctx, user, models.PurposeActivation, s.cfg.Expiry)
}

// IssuePasswordReset replaces any code the user holds with a fresh password
// reset code.
func (s *VerificationService) IssuePasswordReset(ctx context.Context, user *models.User) (string, error) {
	return s.issue(ctx, user, models.PurposePasswordReset, s.cfg.ResetExpiry)
}

func (s *VerificationService) issue(ctx context.Context, user *models.User, purpose models.VerificationPurpose, expiry time.Duration) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		code, err := s.generateCode(s.cfg.CodeLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate verification code: %w", err)
		}

		now := s.now()
		token := &models.VerificationToken{
			Code:      code,
			UserID:    user.ID,
			UserEmail: user.Email,
			Purpose:   purpose,
			CreatedAt: now,
			ExpiresAt: now.Add(expiry),
		}

		// A conflict is either a code collision or a concurrent issue for the
		// same user; re-reading the user's current code resolves both.
		lastErr = s.tokens.Replace(ctx, token)
		if lastErr == nil {
			return code, nil
		}
		if !errors.Is(lastErr, repository.ErrConflict) {
			break
		}
	}

	s.logger.WithError(lastErr).WithFields(logrus.Fields{
		"user_id": user.ID,
		"purpose": purpose,
	}).Error("Failed to store verification code")
	return "", fmt.Errorf("failed to issue verification code: %w", lastErr)
}

// Consume redeems code, enabling and verifying its user. It reports false for
// unknown, expired and already used codes alike, and for store failures.
func (s *VerificationService) Consume(ctx context.Context, code string) bool {
	return s.consume(ctx, "", code)
}

// ConsumeForEmail is Consume restricted to codes issued to email.
func (s *VerificationService) ConsumeForEmail(ctx context.Context, email, code string) bool {
	if email == "" {
		return false
	}
	return s.consume(ctx, email, code)
}

func (s *VerificationService) consume(ctx context.Context, email, code string) (ok bool) {
	defer func() {
		s.metrics.Activations.WithLabelValues(metrics.Result(ok)).Inc()
	}()

	token, err := s.lookup(ctx, models.PurposeActivation, email, code)
	if err != nil {
		return false
	}

	if err := s.Claim(ctx, token); err != nil {
		return false
	}

	user, err := s.users.GetByEmail(ctx, token.UserEmail)
	if err != nil || user == nil {
		s.logger.WithError(err).WithField("user_id", token.UserID).Error("Failed to load user for verification")
		return false
	}

	user.Enabled = true
	user.Verified = true
	if err := s.users.Save(ctx, user); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Error("Failed to activate user")
		return false
	}

	s.logger.WithField("user_id", user.ID).Info("User verified")
	return true
}

// FindPasswordReset returns the live password reset code issued to email.
// The code is not consumed; pass the result to Claim once the reset is
// ready to be applied.
func (s *VerificationService) FindPasswordReset(ctx context.Context, email, code string) (*models.VerificationToken, error) {
	if email == "" {
		return nil, ErrVerificationCodeInvalid
	}
	return s.lookup(ctx, models.PurposePasswordReset, email, code)
}

// Claim deletes token so that no other redemption can use it. It fails with
// ErrVerificationCodeInvalid when the code is already gone.
func (s *VerificationService) Claim(ctx context.Context, token *models.VerificationToken) error {
	if err := s.tokens.Delete(ctx, token); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).Error("Failed to delete verification code")
		}
		return ErrVerificationCodeInvalid
	}
	return nil
}

// lookup resolves code to a live token of the given purpose. An empty email
// accepts any owner. Every rejection, store failures included, is reported
// as ErrVerificationCodeInvalid.
func (s *VerificationService) lookup(ctx context.Context, purpose models.VerificationPurpose, email, code string) (*models.VerificationToken, error) {
	if !s.validCodeFormat(code) {
		return nil, ErrVerificationCodeInvalid
	}

	token, err := s.tokens.FindByCode(ctx, code)
	if err != nil {
		s.logger.WithError(err).Error("Failed to look up verification code")
		return nil, ErrVerificationCodeInvalid
	}
	if token == nil {
		s.logger.Warn("Verification code not found")
		return nil, ErrVerificationCodeInvalid
	}

	logger := s.logger.WithField("user_id", token.UserID)
	if token.Purpose != purpose {
		logger.WithField("purpose", token.Purpose).Warn("Verification code issued for another purpose")
		return nil, ErrVerificationCodeInvalid
	}
	if email != "" && token.UserEmail != email {
		logger.Warn("Verification code does not match user")
		return nil, ErrVerificationCodeInvalid
	}
	if token.Expired(s.now()) {
		logger.Warn("Verification code expired")
		return nil, ErrVerificationCodeInvalid
	}

	return token, nil
}

// Resend issues a new code and dispatches it. When dispatch fails the code
// stays stored and ErrMailDispatch is returned.
func (s *VerificationService) Resend(ctx context.Context, user *models.User) error {
	if user.Enabled {
		return ErrAlreadyVerified
	}

	code, err := s.Issue(ctx, user)
	if err != nil {
		return err
	}

	link := s.link(code)
	if err := s.sender.SendVerification(ctx, user.Email, code, link); err != nil {
		s.metrics.VerificationEmails.WithLabelValues(metrics.ResultFailure).Inc()
		s.logger.WithError(err).WithField("user_id", user.ID).Error("Failed to send verification email")
		return fmt.Errorf("%w: %v", ErrMailDispatch, err)
	}

	s.metrics.VerificationEmails.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}

// RequestPasswordReset sends a reset code to email. An unknown address is
// not an error, so callers cannot tell registered addresses apart.
func (s *VerificationService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		s.logger.Info("Password reset requested for unknown email")
		return nil
	}

	code, err := s.IssuePasswordReset(ctx, user)
	if err != nil {
		return err
	}

	if err := s.sender.SendPasswordReset(ctx, user.Email, code); err != nil {
		s.metrics.VerificationEmails.WithLabelValues(metrics.ResultFailure).Inc()
		s.logger.WithError(err).WithField("user_id", user.ID).Error("Failed to send password reset email")
		return fmt.Errorf("%w: %v", ErrMailDispatch, err)
	}

	s.metrics.VerificationEmails.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}

func (s *VerificationService) link(code string) string {
	return s.cfg.URLPrefix + "?token=" + url.QueryEscape(code)
}

func (s *VerificationService) validCodeFormat(code string) bool {
	if len(code) != s.cfg.CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func (s *VerificationService) generateCode(length int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(s.random, max)
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}
