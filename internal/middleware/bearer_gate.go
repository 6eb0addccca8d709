package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// BearerGate attaches a principal when the request carries a valid access
// token for an enabled user. It never rejects: requests without one continue
// unauthenticated and route-level checks decide.
type BearerGate struct {
	tokens *service.JWTService
	users  UserLookup
	exempt *PathMatcher
	logger *logrus.Logger
}

func NewBearerGate(tokens *service.JWTService, users UserLookup, cfg *config.GatesConfig, logger *logrus.Logger) *BearerGate {
	return &BearerGate{
		tokens: tokens,
		users:  users,
		exempt: NewPathMatcher(cfg.BearerExemptPaths),
		logger: logger,
	}
}

func (g *BearerGate) Name() string { return "bearer" }

func (g *BearerGate) Skip(r *http.Request) bool {
	return g.exempt.Match(r.URL.Path)
}

func (g *BearerGate) Apply(r *http.Request) (*http.Request, error) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return r, nil
	}

	claims, err := g.tokens.ParseAccess(token)
	if err != nil {
		return r, nil
	}

	user, err := g.users.GetByEmail(r.Context(), claims.Subject)
	if err != nil {
		g.logger.WithError(err).Error("Failed to resolve token subject")
		return r, nil
	}
	if user == nil || !user.Enabled {
		g.logger.WithField("subject", claims.Subject).Debug("Token subject is not an active user")
		return r, nil
	}

	principal := &models.Principal{
		Subject:     claims.Subject,
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		Role:        user.Role,
		Authorities: models.AuthoritiesFor(user.Role),
	}

	return r.WithContext(WithPrincipal(r.Context(), principal)), nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
