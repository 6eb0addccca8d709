package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/repository"
	"github.com/sirupsen/logrus"
)

var (
	ErrCredentialMismatch = errors.New("invalid email or password")
	ErrAccountNotVerified = errors.New("account not verified")
	ErrUserExists         = errors.New("email or username already registered")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPasswordReused     = errors.New("new password must differ from the current one")

	// ErrVerificationNotSent accompanies ErrAccountNotVerified when login
	// could not deliver a fresh activation code.
	ErrVerificationNotSent = errors.New("verification code not sent")
)

// bcrypt only reads the first 72 bytes of a password.
const (
	minPasswordLength = 8
	maxPasswordLength = 72
)

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

func (in *RegisterInput) normalize() error {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if in.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	return validatePassword(in.Password)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordLength)
	}
	return nil
}

// AuthService drives the credential flows: registration, login, access token
// refresh, logout and password reset. Tokens use the user's email as subject.
type AuthService struct {
	users        UserRepository
	passwords    *PasswordService
	tokens       *JWTService
	sessions     *RefreshTokenService
	verification *VerificationService
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *logrus.Logger
}

func NewAuthService(
	users UserRepository,
	passwords *PasswordService,
	tokens *JWTService,
	sessions *RefreshTokenService,
	verification *VerificationService,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *AuthService {
	return &AuthService{
		users:        users,
		passwords:    passwords,
		tokens:       tokens,
		sessions:     sessions,
		verification: verification,
		now:          time.Now,
		metrics:      m,
		logger:       logger,
	}
}

// Register stores a disabled user and sends it a verification code. A failed
// dispatch is logged; the user can ask for another code later.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         models.RoleUser,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	s.metrics.Registrations.Inc()
	s.logger.WithField("user_id", user.ID).Info("User registered")

	if err := s.verification.Resend(ctx, user); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("Verification code not delivered at registration")
	}

	return user, nil
}

// Login checks the password and, for an enabled user, opens a new refresh
// session replacing any previous one.
func (s *AuthService) Login(ctx context.Context, email, password string) (pair *models.TokenPair, err error) {
	start := time.Now()
	defer func() {
		s.metrics.LoginDuration.Observe(time.Since(start).Seconds())
		s.metrics.LoginAttempts.WithLabelValues(metrics.Result(err == nil)).Inc()
	}()

	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		s.passwords.VerifyMissing(password)
		return nil, ErrCredentialMismatch
	}
	if !s.passwords.Verify(user.PasswordHash, password) {
		s.logger.WithField("user_id", user.ID).Info("Login rejected")
		return nil, ErrCredentialMismatch
	}

	if !user.Enabled {
		if err := s.verification.Resend(ctx, user); err != nil {
			s.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to resend verification code on login")
			return nil, fmt.Errorf("%w: %w", ErrAccountNotVerified, ErrVerificationNotSent)
		}
		return nil, ErrAccountNotVerified
	}

	pair, err = s.tokens.IssueTokenPair(user.Email, &models.UserClaims{
		ID:    user.ID,
		Email: user.Email,
		Role:  string(user.Role),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	// The session lives exactly as long as the refresh token it holds.
	refreshClaims, err := s.tokens.ParseRefresh(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read issued refresh token: %w", err)
	}

	if err := s.sessions.Rotate(ctx, user.Email, pair.RefreshToken, s.tokens.RemainingLifetime(refreshClaims)); err != nil {
		return nil, fmt.Errorf("failed to open refresh session: %w", err)
	}

	now := s.now()
	user.LastLogin = &now
	if err := s.users.Save(ctx, user); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to record last login")
	}

	s.logger.WithField("user_id", user.ID).Info("User logged in")
	return pair, nil
}

// Refresh exchanges a live refresh token for a new access token. The refresh
// token itself stays live until it expires or the next login replaces it.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (accessToken string, err error) {
	defer func() {
		s.metrics.RefreshAttempts.WithLabelValues(metrics.Result(err == nil)).Inc()
	}()

	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return "", ErrTokenInvalid
	}

	if !s.sessions.IsLive(ctx, claims.Subject, refreshToken) {
		s.logger.Debug("Refresh token is not the live session")
		return "", ErrSessionNotLive
	}

	accessToken, err = s.tokens.IssueAccessToken(claims.Subject, nil)
	if err != nil {
		return "", fmt.Errorf("failed to issue access token: %w", err)
	}
	return accessToken, nil
}

// Logout ends the subject's refresh session. Issued access tokens remain
// valid until they expire.
func (s *AuthService) Logout(ctx context.Context, subject string) error {
	if err := s.sessions.Revoke(ctx, subject); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// ResetPassword redeems a password reset code issued to email and replaces
// the user's password. The code stays live when the new password is
// rejected. A successful reset ends the user's refresh session.
func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) (err error) {
	defer func() {
		s.metrics.PasswordResets.WithLabelValues(metrics.Result(err == nil)).Inc()
	}()

	email = strings.ToLower(strings.TrimSpace(email))
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	token, err := s.verification.FindPasswordReset(ctx, email, strings.TrimSpace(code))
	if err != nil {
		return err
	}

	user, err := s.users.GetByEmail(ctx, token.UserEmail)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return ErrVerificationCodeInvalid
	}

	if s.passwords.Verify(user.PasswordHash, newPassword) {
		return ErrPasswordReused
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.verification.Claim(ctx, token); err != nil {
		return err
	}

	user.PasswordHash = hash
	if err := s.users.Save(ctx, user); err != nil {
		return fmt.Errorf("failed to store new password: %w", err)
	}

	if err := s.sessions.Revoke(ctx, user.Email); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to end session after password reset")
	}

	s.logger.WithField("user_id", user.ID).Info("Password reset")
	return nil
}
