package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/middleware"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/repository"
	"github.com/qcom/authcore/internal/repository/dynamotest"
	"github.com/qcom/authcore/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAPIKey   = "s3rvice-pa55"
	testPassword = "correct horse battery"
)

type capturingSender struct {
	mu     sync.Mutex
	codes  map[string]string
	resets map[string]string
	err    error
}

func (s *capturingSender) SendVerification(_ context.Context, to, code, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.codes[to] = code
	return nil
}

func (s *capturingSender) SendPasswordReset(_ context.Context, to, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.resets[to] = code
	return nil
}

func (s *capturingSender) resetCode(to string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[to]
}

func (s *capturingSender) code(to string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[to]
}

type server struct {
	t         *testing.T
	handler   http.Handler
	users     *repository.UserRepository
	passwords *service.PasswordService
	sender    *capturingSender
	redis     *miniredis.Miniredis
}

func newServer(t *testing.T) *server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		JWT: config.JWTConfig{
			SecretKey:     "0123456789abcdef0123456789abcdef",
			AccessExpiry:  time.Hour,
			RefreshExpiry: 24 * time.Hour,
		},
		Gates: config.GatesConfig{
			APIKeyHeader:      "X-API-KEY",
			APIKey:            testAPIKey,
			APIKeyExemptPaths: []string{"/health", "/metrics"},
			BearerExemptPaths: []string{"/api/users/login", "/api/users/register"},
		},
		Verification: config.VerificationConfig{
			CodeLength:  6,
			Expiry:      5 * time.Minute,
			ResetExpiry: 10 * time.Minute,
			URLPrefix:   "http://localhost:5173/verify",
		},
	}

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	db := dynamotest.New()

	users := repository.NewUserRepository(db, "test", time.Second, logger)
	tokens := repository.NewVerificationRepository(db, "test", time.Second, logger)
	sender := &capturingSender{codes: make(map[string]string), resets: make(map[string]string)}

	jwtSvc, err := service.NewJWTService(&cfg.JWT, m, logger)
	require.NoError(t, err)
	passwords, err := service.NewPasswordService(bcrypt.MinCost)
	require.NoError(t, err)

	verification := service.NewVerificationService(tokens, users, sender, &cfg.Verification, m, logger)
	auth := service.NewAuthService(users, passwords, jwtSvc, service.NewRefreshTokenService(client, time.Second, logger), verification, m, logger)

	pipeline := middleware.Pipeline(logger, m,
		middleware.NewAPIKeyGate(&cfg.Gates),
		middleware.NewBearerGate(jwtSvc, users, &cfg.Gates, logger),
	)

	h := NewAuthHandlers(auth, verification, users, logger)
	return &server{
		t:         t,
		handler:   NewRouter(h, pipeline, cfg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger),
		users:     users,
		passwords: passwords,
		sender:    sender,
		redis:     mr,
	}
}

type call struct {
	method string
	path   string
	body   interface{}
	token  string
	noKey  bool
}

func (s *server) do(c call) *httptest.ResponseRecorder {
	s.t.Helper()

	var body io.Reader = http.NoBody
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(s.t, err)
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if !c.noKey {
		req.Header.Set("X-API-KEY", testAPIKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *server) register(email string) {
	s.t.Helper()
	rec := s.do(call{method: http.MethodPost, path: "/api/users/register", body: RegisterRequest{
		Username: email,
		Email:    email,
		Password: testPassword,
	}})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *server) login(email string) models.TokenPair {
	s.t.Helper()
	rec := s.do(call{method: http.MethodPost, path: "/api/users/login", body: LoginRequest{Email: email, Password: testPassword}})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[models.TokenPair](s.t, rec)
}

func (s *server) verified(email string) {
	s.t.Helper()
	s.register(email)
	rec := s.do(call{method: http.MethodPost, path: "/api/users/verify-code", body: VerifyCodeRequest{
		Email: email,
		Code:  s.sender.code(email),
	}})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthAndMetricsSkipAPIKey(t *testing.T) {
	s := newServer(t)

	rec := s.do(call{method: http.MethodGet, path: "/health", noKey: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = s.do(call{method: http.MethodGet, path: "/metrics", noKey: true})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingAPIKeyIsRejected(t *testing.T) {
	s := newServer(t)

	rec := s.do(call{method: http.MethodPost, path: "/api/users/login", noKey: true, body: LoginRequest{Email: "a@example.com", Password: testPassword}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody[ErrorResponse](t, rec).Error.Code)
}

func TestRegisterVerifyLoginFlow(t *testing.T) {
	s := newServer(t)

	s.register("alice@example.com")

	rec := s.do(call{method: http.MethodPost, path: "/api/users/login", body: LoginRequest{Email: "alice@example.com", Password: testPassword}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	notVerified := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "ACCOUNT_NOT_VERIFIED", notVerified.Error.Code)
	assert.Contains(t, notVerified.Error.Message, "has been sent")

	code := s.sender.code("alice@example.com")
	require.NotEmpty(t, code)

	rec = s.do(call{method: http.MethodGet, path: "/api/users/verify?token=" + code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(call{method: http.MethodGet, path: "/api/users/verify?token=" + code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pair := s.login("alice@example.com")

	rec = s.do(call{method: http.MethodGet, path: "/api/users/me", token: pair.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[UserResponse](t, rec)
	assert.Equal(t, "alice@example.com", me.Email)
	assert.True(t, me.Enabled)
	assert.NotNil(t, me.LastLogin)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestRegisterConflictsAndValidation(t *testing.T) {
	s := newServer(t)
	s.register("alice@example.com")

	rec := s.do(call{method: http.MethodPost, path: "/api/users/register", body: RegisterRequest{
		Username: "other",
		Email:    "alice@example.com",
		Password: testPassword,
	}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/register", body: RegisterRequest{
		Username: "bob",
		Email:    "bob@example.com",
		Password: "short",
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/register", body: RegisterRequest{
		Username: "bob",
		Email:    "bob@example.com",
		Password: strings.Repeat("a", 73),
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeBody[ErrorResponse](t, rec).Error.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/register", body: "not an object"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeBody[ErrorResponse](t, rec).Error.Code)
}

func TestLoginUnverifiedDoesNotClaimUndeliveredEmail(t *testing.T) {
	s := newServer(t)
	s.register("alice@example.com")
	s.sender.err = errors.New("smtp down")

	rec := s.do(call{method: http.MethodPost, path: "/api/users/login", body: LoginRequest{Email: "alice@example.com", Password: testPassword}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "ACCOUNT_NOT_VERIFIED", resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "has been sent")
}

func TestLoginWrongPasswordIsUniform(t *testing.T) {
	s := newServer(t)
	s.verified("alice@example.com")

	wrong := s.do(call{method: http.MethodPost, path: "/api/users/login", body: LoginRequest{Email: "alice@example.com", Password: "nope"}})
	unknown := s.do(call{method: http.MethodPost, path: "/api/users/login", body: LoginRequest{Email: "ghost@example.com", Password: testPassword}})

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())
	assert.NotContains(t, wrong.Body.String(), "accessToken")
}

func TestVerifyCodeRequiresMatchingEmail(t *testing.T) {
	s := newServer(t)
	s.register("alice@example.com")
	code := s.sender.code("alice@example.com")

	rec := s.do(call{method: http.MethodPost, path: "/api/users/verify-code", body: VerifyCodeRequest{Email: "bob@example.com", Code: code}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/verify-code", body: VerifyCodeRequest{Email: " Alice@Example.com ", Code: code}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResendVerification(t *testing.T) {
	s := newServer(t)
	s.register("alice@example.com")
	first := s.sender.code("alice@example.com")

	rec := s.do(call{method: http.MethodPost, path: "/api/users/resend-verification", body: ResendVerificationRequest{Email: "alice@example.com"}})
	require.Equal(t, http.StatusOK, rec.Code)
	second := s.sender.code("alice@example.com")
	assert.NotEqual(t, first, second)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/resend-verification", body: ResendVerificationRequest{Email: "ghost@example.com"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.sender.err = errors.New("smtp down")
	rec = s.do(call{method: http.MethodPost, path: "/api/users/resend-verification", body: ResendVerificationRequest{Email: "alice@example.com"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	s.sender.err = nil

	s.verified("bob@example.com")
	rec = s.do(call{method: http.MethodPost, path: "/api/users/resend-verification", body: ResendVerificationRequest{Email: "bob@example.com"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	s := newServer(t)
	s.verified("alice@example.com")
	pair := s.login("alice@example.com")

	rec := s.do(call{method: http.MethodPost, path: "/api/users/refresh-token", body: RefreshTokenRequest{RefreshToken: pair.RefreshToken}})
	require.Equal(t, http.StatusOK, rec.Code)
	refreshed := decodeBody[RefreshTokenResponse](t, rec)
	assert.NotEmpty(t, refreshed.AccessToken)

	rec = s.do(call{method: http.MethodGet, path: "/api/users/me", token: refreshed.AccessToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/logout"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/logout", token: pair.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.redis.Exists(service.RefreshKey("alice@example.com")))

	rec = s.do(call{method: http.MethodPost, path: "/api/users/refresh-token", body: RefreshTokenRequest{RefreshToken: pair.RefreshToken}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/refresh-token", body: RefreshTokenRequest{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnonymousRequestsReachRoutesButFailAuthorization(t *testing.T) {
	s := newServer(t)

	rec := s.do(call{method: http.MethodGet, path: "/api/users/me", token: "forged.token.value"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(call{method: http.MethodGet, path: "/api/admin/ping"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminPingRequiresAdminRole(t *testing.T) {
	s := newServer(t)
	s.verified("alice@example.com")
	userPair := s.login("alice@example.com")

	hash, err := s.passwords.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, s.users.Create(context.Background(), &models.User{
		ID:           "admin-1",
		Username:     "root",
		Email:        "root@example.com",
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		Enabled:      true,
		Verified:     true,
	}))
	adminPair := s.login("root@example.com")

	rec := s.do(call{method: http.MethodGet, path: "/api/admin/ping", token: userPair.AccessToken})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(call{method: http.MethodGet, path: "/api/admin/ping", token: adminPair.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", decodeBody[MessageResponse](t, rec).Message)
}

func TestPasswordResetFlow(t *testing.T) {
	s := newServer(t)
	s.verified("alice@example.com")
	pair := s.login("alice@example.com")

	rec := s.do(call{method: http.MethodPost, path: "/api/users/request-password-reset", body: PasswordResetRequest{Email: " Alice@Example.com "}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	code := s.sender.resetCode("alice@example.com")
	require.NotEmpty(t, code)

	// A reset code does not activate or verify anything.
	rec = s.do(call{method: http.MethodPost, path: "/api/users/verify-code", body: VerifyCodeRequest{Email: "alice@example.com", Code: code}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/reset-password", body: ResetPasswordRequest{
		Email:       "alice@example.com",
		Code:        code,
		NewPassword: testPassword,
	}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "PASSWORD_REUSED", decodeBody[ErrorResponse](t, rec).Error.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/reset-password", body: ResetPasswordRequest{
		Email:       "alice@example.com",
		Code:        code,
		NewPassword: "short",
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeBody[ErrorResponse](t, rec).Error.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/reset-password", body: ResetPasswordRequest{
		Email:       "alice@example.com",
		Code:        code,
		NewPassword: "a brand new secret",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(call{method: http.MethodPost, path: "/api/users/reset-password", body: ResetPasswordRequest{
		Email:       "alice@example.com",
		Code:        code,
		NewPassword: "another new secret",
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CODE", decodeBody[ErrorResponse](t, rec).Error.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/refresh-token", body: RefreshTokenRequest{RefreshToken: pair.RefreshToken}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/api/users/login", body: LoginRequest{Email: "alice@example.com", Password: "a brand new secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestPasswordResetIsUniform(t *testing.T) {
	s := newServer(t)
	s.verified("alice@example.com")

	known := s.do(call{method: http.MethodPost, path: "/api/users/request-password-reset", body: PasswordResetRequest{Email: "alice@example.com"}})
	unknown := s.do(call{method: http.MethodPost, path: "/api/users/request-password-reset", body: PasswordResetRequest{Email: "ghost@example.com"}})

	assert.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, known.Code, unknown.Code)
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
	assert.Empty(t, s.sender.resetCode("ghost@example.com"))

	s.sender.err = errors.New("smtp down")
	failed := s.do(call{method: http.MethodPost, path: "/api/users/request-password-reset", body: PasswordResetRequest{Email: "alice@example.com"}})
	assert.Equal(t, http.StatusOK, failed.Code)
	assert.JSONEq(t, known.Body.String(), failed.Body.String())
}
