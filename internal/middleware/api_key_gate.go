package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/qcom/authcore/internal/config"
)

// APIKeyGate requires the deployment's shared secret on every request except
// preflights and exempt paths.
type APIKeyGate struct {
	header string
	key    []byte
	exempt *PathMatcher
}

func NewAPIKeyGate(cfg *config.GatesConfig) *APIKeyGate {
	return &APIKeyGate{
		header: cfg.APIKeyHeader,
		key:    []byte(cfg.APIKey),
		exempt: NewPathMatcher(cfg.APIKeyExemptPaths),
	}
}

func (g *APIKeyGate) Name() string { return "api_key" }

func (g *APIKeyGate) Skip(r *http.Request) bool {
	return r.Method == http.MethodOptions || g.exempt.Match(r.URL.Path)
}

func (g *APIKeyGate) Apply(r *http.Request) (*http.Request, error) {
	presented := r.Header.Get(g.header)
	if presented == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrGateRejected, g.header)
	}
	if len(g.key) == 0 || subtle.ConstantTimeCompare([]byte(presented), g.key) != 1 {
		return nil, fmt.Errorf("%w: %s header mismatch", ErrGateRejected, g.header)
	}
	return r, nil
}
