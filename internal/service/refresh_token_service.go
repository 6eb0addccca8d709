package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrSessionNotLive marks a structurally valid refresh token that is not the
// principal's current one.
var ErrSessionNotLive = errors.New("refresh session not live")

const refreshKeyPrefix = "refresh_"

// RefreshTokenService keeps exactly one live refresh token per principal.
// Writing a new token overwrites the previous one.
type RefreshTokenService struct {
	client  *redis.Client
	timeout time.Duration
	logger  *logrus.Logger
}

func NewRefreshTokenService(client *redis.Client, timeout time.Duration, logger *logrus.Logger) *RefreshTokenService {
	return &RefreshTokenService{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

func RefreshKey(principal string) string {
	return refreshKeyPrefix + principal
}

// Rotate makes token the only live refresh token for principal.
func (s *RefreshTokenService) Rotate(ctx context.Context, principal, token string, ttl time.Duration) error {
	if principal == "" || token == "" {
		return fmt.Errorf("principal and token are required")
	}
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, RefreshKey(principal), token, ttl).Err(); err != nil {
		s.logger.WithError(err).WithField("principal", principal).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

// IsLive reports whether candidate is the stored token for principal. Store
// errors count as not live.
func (s *RefreshTokenService) IsLive(ctx context.Context, principal, candidate string) bool {
	if principal == "" || candidate == "" {
		return false
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stored, err := s.client.Get(ctx, RefreshKey(principal)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.logger.WithError(err).WithField("principal", principal).Error("Failed to get refresh token")
		return false
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

// Revoke removes the live refresh token for principal, if any.
func (s *RefreshTokenService) Revoke(ctx context.Context, principal string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, RefreshKey(principal)).Err(); err != nil {
		s.logger.WithError(err).WithField("principal", principal).Error("Failed to revoke refresh token")
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return nil
}

func (s *RefreshTokenService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
