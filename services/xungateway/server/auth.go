package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes operator authentication options. Either a static
// bearer token or an HS256 signing secret must be configured.
type AuthConfig struct {
	BearerToken string
	JWTSecret   string
	JWTIssuer   string
	ClockSkew   time.Duration
}

// Authenticator validates operator requests.
type Authenticator struct {
	token  string
	secret []byte
	issuer string
	skew   time.Duration
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	if token == "" && secret == "" {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	auth := &Authenticator{token: token, issuer: strings.TrimSpace(cfg.JWTIssuer), skew: skew}
	if secret != "" {
		auth.secret = []byte(secret)
	}
	return auth, nil
}

// Middleware enforces authentication for operator handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("authentication unavailable"))
			return
		}
		raw := parseBearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"))
			return
		}
		if !a.authenticate(raw) {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) authenticate(raw string) bool {
	if a.token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.token)) == 1 {
		return true
	}
	if len(a.secret) == 0 {
		return false
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.skew),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	return err == nil && token.Valid
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
