package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"detour/internal/engine"
)

const (
	RoleDevice   = "device"
	RoleOperator = "operator"

	defaultTokenTTL = 90 * 24 * time.Hour
)

func ParseRole(s string) (string, error) {
	switch s {
	case RoleDevice, RoleOperator:
		return s, nil
	}
	return "", fmt.Errorf("invalid role %q (want %s or %s)", s, RoleDevice, RoleOperator)
}

type AuthConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
	// AllowUserHeader accepts an unauthenticated X-User-Id header. Local use only.
	AllowUserHeader bool
	Now             func() time.Time
}

func (c AuthConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c AuthConfig) ttl() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return defaultTokenTTL
}

// Principal is the pseudonymous device or operator behind a request.
type Principal struct {
	UserID    string
	SessionID string
	Role      string
	Source    string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// callerFromContext builds the engine caller. A session id sent in
// X-Session-Id wins over the one baked into the token.
func callerFromContext(ctx context.Context) (engine.Caller, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return engine.Caller{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	c := engine.Caller{UserID: p.UserID, CurrentSessionID: p.SessionID}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if sid := strings.TrimSpace(req.Header.Get("X-Session-Id")); sid != "" {
			c.CurrentSessionID = sid
		}
	}
	return c, nil
}

func requireOperator(ctx context.Context) (Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.UserID == "" {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Role != RoleOperator {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "operator role required", map[string]any{"role": p.Role})
	}
	return p, nil
}

type deviceClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
	Role      string `json:"role,omitempty"`
}

// SignToken mints an HS256 token for userID. sessionID may be empty.
func SignToken(cfg AuthConfig, userID, sessionID, role string) (string, time.Time, error) {
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return "", time.Time{}, errors.New("token secret not configured")
	}
	if role == "" {
		role = RoleDevice
	}
	now := cfg.now()
	expires := now.Add(cfg.ttl())
	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    "detour",
		},
		SessionID: sessionID,
		Role:      role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.TokenSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func authenticateToken(token string, cfg AuthConfig) (Principal, error) {
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return Principal{}, errors.New("token secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(cfg.now),
	)
	claims := &deviceClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.TokenSecret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	role := claims.Role
	if role == "" {
		role = RoleDevice
	}
	return Principal{UserID: claims.Subject, SessionID: claims.SessionID, Role: role, Source: "token"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "device/token"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			userHeader := strings.TrimSpace(req.Header.Get("X-User-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateToken(token, cfg)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if userHeader != "" && cfg.AllowUserHeader {
				principal := Principal{UserID: userHeader, Role: RoleDevice, Source: "header"}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
