package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing authenticated caller information.
type contextKey string

const (
	contextKeyClaims  contextKey = "jwt_claims"
	contextKeySubject contextKey = "subject"
	contextKeyRole    contextKey = "role"
)

// Role represents an authorized persona.
type Role string

// Supported roles. Players hit the reward and claim endpoints; operators
// additionally reach the /ops surface.
const (
	RolePlayer   Role = "player"
	RoleOperator Role = "operator"
)

var allowedRoles = map[Role]struct{}{
	RolePlayer:   {},
	RoleOperator: {},
}

// Claims represents identity data extracted from the inbound token. Identity
// is established upstream; this service only trusts the already-issued token.
type Claims struct {
	Subject    string
	Role       Role
	Attributes jwt.MapClaims
}

// Options controls token verification.
type Options struct {
	Secret         []byte
	Issuer         string
	Audience       string
	MaxSkewSeconds int
}

// Verifier validates HS256 bearer tokens and extracts the caller subject.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier constructs a verifier. Secret and issuer are required.
func NewVerifier(opts Options) (*Verifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: HS256 secret required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer required")
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second
	if opts.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	return &Verifier{
		secret:   opts.Secret,
		issuer:   issuer,
		audience: strings.TrimSpace(opts.Audience),
		leeway:   leeway,
		now:      time.Now,
	}, nil
}

// SetNow overrides the time source. It is intended for tests.
func (v *Verifier) SetNow(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	v.now = now
}

// Verify parses and validates a bearer token, returning the caller claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("auth: verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}

	role := RolePlayer
	if raw, ok := claims["role"].(string); ok {
		candidate := Role(strings.ToLower(strings.TrimSpace(raw)))
		if _, allowed := allowedRoles[candidate]; !allowed {
			return nil, fmt.Errorf("auth: role %q is not permitted", raw)
		}
		role = candidate
	}

	return &Claims{Subject: subject, Role: role, Attributes: claims}, nil
}

// Middleware enforces bearer authentication and attaches claims to the
// request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := v.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeySubject, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	subject, ok := ctx.Value(contextKeySubject).(string)
	if !ok || subject == "" {
		return nil, errors.New("auth: missing subject in context")
	}
	roleStr, ok := ctx.Value(contextKeyRole).(string)
	if !ok || roleStr == "" {
		return nil, errors.New("auth: missing role in context")
	}
	return &Claims{Subject: subject, Role: Role(roleStr)}, nil
}

// Subject returns the verified caller subject, empty when unauthenticated.
func Subject(ctx context.Context) string {
	claims, err := FromContext(ctx)
	if err != nil {
		return ""
	}
	return claims.Subject
}

// RequireOperator gates handlers on the operator role.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		if err != nil {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		if claims.Role != RoleOperator {
			http.Error(w, "insufficient role", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenForTest mints a signed token, used by tests.
func TokenForTest(secret []byte, issuer, audience, subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":  issuer,
		"sub":  subject,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
