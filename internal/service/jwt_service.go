package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ErrTokenInvalid is the only failure callers see from token validation.
// Expired, forged and malformed tokens are indistinguishable from outside.
var ErrTokenInvalid = errors.New("invalid token")

var errUnexpectedAlgorithm = errors.New("unexpected signing algorithm")

type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	parser        *jwt.Parser
	now           func() time.Time
	metrics       *metrics.Metrics
	logger        *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, m *metrics.Metrics, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}
	if cfg.AccessExpiry <= 0 || cfg.RefreshExpiry <= 0 {
		return nil, fmt.Errorf("token expiries must be positive")
	}

	s := &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		now:           time.Now,
		metrics:       m,
		logger:        logger,
	}
	s.parser = jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)

	return s, nil
}

type Claims struct {
	Type string             `json:"typ"`
	User *models.UserClaims `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// CustomClaims returns the identity block of an already validated claim set
// as a flat map. Absent fields are omitted.
func (c *Claims) CustomClaims() map[string]string {
	out := make(map[string]string, 3)
	if c.User == nil {
		return out
	}
	if c.User.ID != "" {
		out["id"] = c.User.ID
	}
	if c.User.Email != "" {
		out["email"] = c.User.Email
	}
	if c.User.Role != "" {
		out["role"] = c.User.Role
	}
	return out
}

func (s *JWTService) IssueAccessToken(subject string, user *models.UserClaims) (string, error) {
	return s.sign(subject, TokenTypeAccess, user, s.accessExpiry)
}

func (s *JWTService) IssueRefreshToken(subject string) (string, error) {
	return s.sign(subject, TokenTypeRefresh, nil, s.refreshExpiry)
}

func (s *JWTService) IssueTokenPair(subject string, user *models.UserClaims) (*models.TokenPair, error) {
	accessToken, err := s.IssueAccessToken(subject, user)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.IssueRefreshToken(subject)
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

func (s *JWTService) sign(subject, tokenType string, user *models.UserClaims, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("token subject is required")
	}

	now := s.now()
	claims := &Claims{
		Type: tokenType,
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).WithField("type", tokenType).Error("Failed to sign token")
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return tokenString, nil
}

// ParseAndValidate verifies signature and expiry. Every failure is reported
// as ErrTokenInvalid; the concrete reason is only logged and counted.
func (s *JWTService) ParseAndValidate(tokenString string) (*Claims, error) {
	token, err := s.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("%w: %v", errUnexpectedAlgorithm, token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, s.reject(failureReason(err), err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, s.reject("claims", errors.New("missing subject"))
	}

	return claims, nil
}

func (s *JWTService) ParseAccess(tokenString string) (*Claims, error) {
	return s.parseTyped(tokenString, TokenTypeAccess)
}

func (s *JWTService) ParseRefresh(tokenString string) (*Claims, error) {
	return s.parseTyped(tokenString, TokenTypeRefresh)
}

func (s *JWTService) parseTyped(tokenString, tokenType string) (*Claims, error) {
	claims, err := s.ParseAndValidate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenType {
		return nil, s.reject("type", fmt.Errorf("expected %s token, got %q", tokenType, claims.Type))
	}
	return claims, nil
}

// ExtractSubject validates tokenString and returns its subject.
func (s *JWTService) ExtractSubject(tokenString string) (string, error) {
	claims, err := s.ParseAndValidate(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ExtractCustomClaims validates tokenString and returns its identity block.
func (s *JWTService) ExtractCustomClaims(tokenString string) (map[string]string, error) {
	claims, err := s.ParseAndValidate(tokenString)
	if err != nil {
		return nil, err
	}
	return claims.CustomClaims(), nil
}

// RemainingLifetime is the time left before claims expire, never negative.
func (s *JWTService) RemainingLifetime(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	if d := claims.ExpiresAt.Time.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

func (s *JWTService) reject(reason string, cause error) error {
	if s.metrics != nil {
		s.metrics.TokenValidationFailures.WithLabelValues(reason).Inc()
	}
	s.logger.WithError(cause).WithField("reason", reason).Debug("Token rejected")
	return ErrTokenInvalid
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errUnexpectedAlgorithm), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	default:
		return "claims"
	}
}
