package api

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/aima-platform/corral/pkg/config"
	"github.com/aima-platform/corral/pkg/metrics"
)

// principal is the verified identity a request acts as. owner is the
// principal recorded on jobs; key identifies the token for rate limiting.
type principal struct {
	owner string
	key   string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

// authenticator verifies externally-issued bearer tokens against the auth
// service's RSA public key. The orchestrator never mints tokens.
type authenticator struct {
	disabled bool
	key      *rsa.PublicKey
}

func newAuthenticator(cfg config.AuthConfig) (*authenticator, error) {
	if cfg.Disabled {
		return &authenticator{disabled: true}, nil
	}
	if cfg.PublicKeyFile == "" {
		return nil, errors.New("auth.public_key_file is required unless auth is disabled")
	}
	pem, err := loadKeyMaterial(cfg.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load auth public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse auth public key: %w", err)
	}
	return &authenticator{key: key}, nil
}

// loadKeyMaterial reads the PEM from a local path or fetches it from an
// http(s) URL, whichever the config names.
func loadKeyMaterial(source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(source)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("key endpoint returned %s", resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	}
	return os.ReadFile(source)
}

func (a *authenticator) keyfunc(*jwt.Token) (interface{}, error) {
	return a.key, nil
}

// verify resolves the request's principal. In disabled mode the caller
// names itself with the X-Corral-Owner header, which is how tests and dev
// setups act as arbitrary owners.
func (a *authenticator) verify(r *http.Request) (principal, error) {
	if a.disabled {
		owner := r.Header.Get("X-Corral-Owner")
		if owner == "" {
			owner = "dev"
		}
		return principal{owner: owner, key: owner}, nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return principal{}, errors.New("missing bearer token")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, a.keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return principal{}, errors.New("token carries no subject")
	}
	return principal{owner: claims.Subject, key: raw}, nil
}

// limiterPool keeps one token bucket per bearer token. Buckets are created
// on first sight and live for the process; the keyspace is bounded by the
// number of distinct tokens the auth service issues.
type limiterPool struct {
	cfg *config.Snapshot

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterPool(cfg *config.Snapshot) *limiterPool {
	return &limiterPool{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (p *limiterPool) allow(key string) bool {
	rl := p.cfg.Get().RateLimit
	if rl.RequestsPerSecond <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[key]
	if !ok {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
		p.limiters[key] = limiter
	}
	return limiter.Allow()
}

// statusRecorder captures the status code a handler writes
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// protected wraps a handler with request accounting, authentication, and
// per-token rate limiting, in that order.
func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return s.observe(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.verify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
			return
		}
		if !s.limiters.allow(p.key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "request rate exceeded for this token")
			return
		}
		next(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// observe records request metrics and an access log line
func (s *Server) observe(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("Request served")
	}
}
