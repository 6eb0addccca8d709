package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/qcom/authcore/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrGateRejected halts the pipeline. Gates wrap it with their own detail,
// which is logged but never written to the response.
var ErrGateRejected = errors.New("request rejected by gate")

// Gate is one stage of the authentication pipeline. Skip is consulted first;
// Apply may return a derived request carrying new context values.
type Gate interface {
	Name() string
	Skip(r *http.Request) bool
	Apply(r *http.Request) (*http.Request, error)
}

// Pipeline runs gates in order once per request. The first error stops the
// chain with a 401 and later gates do not run.
func Pipeline(logger *logrus.Logger, m *metrics.Metrics, gates ...Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, g := range gates {
				if g.Skip(r) {
					continue
				}

				applied, err := g.Apply(r)
				if err != nil {
					if m != nil {
						m.GateRejections.WithLabelValues(g.Name()).Inc()
					}
					logger.WithError(err).WithFields(logrus.Fields{
						"gate":   g.Name(),
						"method": r.Method,
						"path":   r.URL.Path,
					}).Warn("Request rejected")
					respondUnauthorized(w)
					return
				}
				r = applied
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PathMatcher matches request paths against exact entries and "prefix/*"
// patterns.
type PathMatcher struct {
	exact    map[string]struct{}
	prefixes []string
}

func NewPathMatcher(patterns []string) *PathMatcher {
	m := &PathMatcher{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(p, "/*"); ok {
			m.prefixes = append(m.prefixes, prefix+"/")
			// "/docs/*" also covers "/docs" itself.
			m.exact[prefix] = struct{}{}
			continue
		}
		m.exact[p] = struct{}{}
	}
	return m
}

func (m *PathMatcher) Match(path string) bool {
	if _, ok := m.exact[path]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter) {
	respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
