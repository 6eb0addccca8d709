// Package metrics exposes the Prometheus collectors recorded by the
// authentication core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authcore"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	LoginAttempts           *prometheus.CounterVec
	LoginDuration           prometheus.Histogram
	Registrations           prometheus.Counter
	RefreshAttempts         *prometheus.CounterVec
	TokenValidationFailures *prometheus.CounterVec
	GateRejections          *prometheus.CounterVec
	Activations             *prometheus.CounterVec
	PasswordResets          *prometheus.CounterVec
	VerificationEmails      *prometheus.CounterVec
}

// New registers every collector on reg. Each registry may only be used once.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LoginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		LoginDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_duration_seconds",
			Help:      "Time spent handling a login attempt, including password hashing.",
			Buckets:   prometheus.DefBuckets,
		}),
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_registrations_total",
			Help:      "Accounts created.",
		}),
		RefreshAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_attempts_total",
			Help:      "Refresh token redemptions by result.",
		}, []string{"result"}),
		TokenValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validation_failures_total",
			Help:      "Rejected session tokens by internal reason.",
		}, []string{"reason"}),
		GateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Requests halted by an authentication gate.",
		}, []string{"gate"}),
		Activations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_activations_total",
			Help:      "Verification code redemptions by result.",
		}, []string{"result"}),
		PasswordResets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "password_resets_total",
			Help:      "Password reset code redemptions by result.",
		}, []string{"result"}),
		VerificationEmails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_emails_total",
			Help:      "Verification and reset message dispatches by result.",
		}, []string{"result"}),
	}
}

func Result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
