package settlementd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bithedge/observability/logging"
)

// Context keys for storing authenticated operator information.
type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
	contextKeyUserID contextKey = "user_id"
	contextKeyRole   contextKey = "user_role"
)

// Role represents an authorized persona on the admin surface.
type Role string

// Supported roles for the settlement daemon.
const (
	// RoleOperator may trigger settlements, pin prices and pause modules.
	RoleOperator Role = "operator"
	// RoleAuditor has read access to policies, pool totals and audit runs.
	RoleAuditor Role = "auditor"
)

var allowedRoles = map[Role]struct{}{
	RoleOperator: {},
	RoleAuditor:  {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject    string
	Role       Role
	Token      *jwt.Token
	Attributes jwt.MapClaims
}

// Authenticator enforces bearer JWT authentication on the admin API.
type Authenticator struct {
	verifier *jwtVerifier
}

// NewAuthenticator builds an authenticator from the admin configuration. The
// secret must already be resolved; only HS256 tokens are accepted.
func NewAuthenticator(cfg AdminConfig) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("jwt issuer is required")
	}
	leeway := cfg.Leeway.Duration
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{verifier: &jwtVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   leeway,
		now:      time.Now,
	}}, nil
}

// SetNowFunc overrides the validation clock in tests.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if a == nil || a.verifier == nil || now == nil {
		return
	}
	a.verifier.now = now
}

// Middleware applies JWT enforcement before invoking the next handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil || a.verifier == nil {
		panic("auth middleware is nil")
	}
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

		claims, err := a.verifier.Verify(token)
		if err != nil {
			slog.Warn("admin token rejected",
				slog.String("reason", err.Error()),
				logging.MaskField("bearer", token),
			)
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeyUserID, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	userID, ok := ctx.Value(contextKeyUserID).(string)
	if !ok || userID == "" {
		return nil, errors.New("missing user id in context")
	}
	roleStr, ok := ctx.Value(contextKeyRole).(string)
	if !ok || roleStr == "" {
		return nil, errors.New("missing role in context")
	}
	return &Claims{Subject: userID, Role: Role(roleStr)}, nil
}

// RequireRole ensures the authenticated caller has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type jwtVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func (v *jwtVerifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("jwt verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.leeway))
	}
	if v.now != nil {
		opts = append(opts, jwt.WithTimeFunc(func() time.Time { return v.now() }))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("token subject missing")
	}

	if v.audience != "" {
		tokenAud := extractStringSlice(claims["aud"])
		if len(tokenAud) == 0 {
			return nil, errors.New("token audience missing")
		}
		matched := false
		for _, actual := range tokenAud {
			if strings.EqualFold(actual, v.audience) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, errors.New("token audience mismatch")
		}
	}

	role, err := extractRole(claims)
	if err != nil {
		return nil, err
	}

	return &Claims{
		Subject:    subject,
		Role:       role,
		Token:      parsed,
		Attributes: claims,
	}, nil
}

func extractRole(claims jwt.MapClaims) (Role, error) {
	raw, ok := claims["role"].(string)
	if !ok {
		return "", errors.New("token role missing")
	}
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := allowedRoles[role]; !ok {
		return "", fmt.Errorf("unsupported role %q", raw)
	}
	return role, nil
}

func extractStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			trimmed := strings.TrimSpace(item)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				trimmed := strings.TrimSpace(str)
				if trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
		return out
	default:
		return nil
	}
}
