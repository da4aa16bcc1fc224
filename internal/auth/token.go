package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/atmx/settlement-engine/internal/model"
)

// Claims carried by a capability token.
type Claims struct {
	Roles []Role `json:"roles"`
	jwt.RegisteredClaims
}

// Issuer signs capability tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer creates a token issuer.
func NewIssuer(secret, issuer string) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: secret required")
	}
	return &Issuer{secret: []byte(secret), issuer: issuer}, nil
}

// Sign returns a signed token for caller valid for ttl.
func (i *Issuer) Sign(caller Capability, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: caller.RoleList(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(caller.Subject),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verifier turns bearer tokens into capabilities.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier creates a verifier accepting tokens from issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), issuer: issuer, leeway: 30 * time.Second}
}

// Verify parses and validates a token.
func (v *Verifier) Verify(token string) (Capability, error) {
	if len(v.secret) == 0 {
		return Capability{}, fmt.Errorf("%w: verifier not configured", model.ErrInvalidCaller)
	}
	var claims Claims
	opts := []jwt.ParserOption{jwt.WithLeeway(v.leeway), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Capability{}, fmt.Errorf("%w: %v", model.ErrInvalidCaller, err)
	}
	if claims.Subject == "" {
		return Capability{}, fmt.Errorf("%w: token without subject", model.ErrInvalidCaller)
	}
	return New(model.Address(claims.Subject), claims.Roles...), nil
}

// Middleware verifies the bearer token and stores the capability in the
// request context. Requests without a valid token are rejected.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		caller, err := v.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCapability(r.Context(), caller)))
	})
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
