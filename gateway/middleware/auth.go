package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"stxlend/crypto"
	"stxlend/observability/logging"
)

type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	// Audience lists accepted aud values. A token matches when any of its
	// audiences is listed.
	Audience       []string
	ScopeClaim     string
	OptionalPaths  []string
	AllowAnonymous bool
	ClockSkew      time.Duration
	// DevPrincipalHeader names a header trusted as the caller principal
	// while authentication is disabled. Never set it in production.
	DevPrincipalHeader string
}

type contextKey string

const (
	ContextKeyToken     contextKey = "lending.token"
	ContextKeyScopes    contextKey = "lending.scopes"
	ContextKeyPrincipal contextKey = "lending.principal"
)

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware authenticates the bearer token, stores the caller principal
// taken from the sub claim, and enforces requiredScopes.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r.WithContext(a.devContext(r)))
				return
			}
			if a.isOptional(r.URL.Path) && a.cfg.AllowAnonymous {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("auth: token validation failed", slog.String("token", logging.MaskToken(tokenString)), slog.Any("error", err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
				a.logger.Warn("auth: claim validation failed", slog.Any("error", err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			principal, err := subject(claims)
			if err != nil {
				a.logger.Warn("auth: bad subject", slog.Any("error", err))
				http.Error(w, "invalid token subject", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if len(requiredScopes) > 0 && !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyToken, tokenString)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			ctx = context.WithValue(ctx, ContextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) devContext(r *http.Request) context.Context {
	ctx := r.Context()
	if a.cfg.DevPrincipalHeader == "" {
		return ctx
	}
	value := strings.TrimSpace(r.Header.Get(a.cfg.DevPrincipalHeader))
	if value == "" {
		return ctx
	}
	principal, err := crypto.ParseAddress(value)
	if err != nil {
		return ctx
	}
	return context.WithValue(ctx, ContextKeyPrincipal, principal)
}

// Principal returns the authenticated caller, if any.
func Principal(ctx context.Context) (crypto.Address, bool) {
	principal, ok := ctx.Value(ContextKeyPrincipal).(crypto.Address)
	if !ok || principal.IsZero() {
		return crypto.Address{}, false
	}
	return principal, true
}

// Scopes returns the scopes granted to the caller.
func Scopes(ctx context.Context) []string {
	scopes, _ := ctx.Value(ContextKeyScopes).([]string)
	return scopes
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer string, audience []string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if len(audience) == 0 {
		return nil
	}
	var presented []string
	switch val := claims["aud"].(type) {
	case string:
		presented = []string{val}
	case []interface{}:
		for _, entry := range val {
			if s, ok := entry.(string); ok {
				presented = append(presented, s)
			}
		}
	}
	for _, want := range audience {
		for _, got := range presented {
			if got == want {
				return nil
			}
		}
	}
	return errors.New("audience mismatch")
}

func subject(claims jwt.MapClaims) (crypto.Address, error) {
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return crypto.Address{}, errors.New("sub claim missing")
	}
	addr, err := crypto.ParseAddress(sub)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("sub claim: %w", err)
	}
	return addr, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	if scopeClaim == "" {
		scopeClaim = "scope"
	}
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// TokenSpec describes a token minted by SignToken.
type TokenSpec struct {
	Subject  crypto.Address
	Issuer   string
	Audience []string
	Scopes   []string
	TTL      time.Duration
	Now      time.Time
}

// SignToken mints an HS256 token the Authenticator accepts.
func SignToken(secret string, spec TokenSpec) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret required")
	}
	if spec.Subject.IsZero() {
		return "", errors.New("subject required")
	}
	now := spec.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub": spec.Subject.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if spec.Issuer != "" {
		claims["iss"] = spec.Issuer
	}
	if len(spec.Audience) > 0 {
		claims["aud"] = spec.Audience
	}
	if len(spec.Scopes) > 0 {
		claims["scope"] = strings.Join(spec.Scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}
