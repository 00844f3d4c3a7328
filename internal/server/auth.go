package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"leadline/internal/domain"
	"leadline/internal/repo"
)

type AuthConfig struct {
	JWTSecret             string
	AllowLegacyUserHeader bool
	Logger                *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (domain.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && !p.Anonymous() {
		return p, nil
	}
	return domain.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid"`
	Role     string `json:"role"`
}

func authenticateJWT(token string, secret string) (domain.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Principal{}, err
	}
	if !parsed.Valid {
		return domain.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return domain.Principal{}, errors.New("subject claim required")
	}
	if claims.TenantID == "" {
		return domain.Principal{}, errors.New("tenant claim required")
	}
	role := domain.Role(claims.Role)
	if !role.Valid() {
		return domain.Principal{}, errors.New("role claim required")
	}
	return domain.Principal{
		TenantID: claims.TenantID,
		UserID:   claims.Subject,
		Role:     role,
		Source:   "jwt",
	}, nil
}

// signDevToken mints a short-lived HS256 token for local testing.
func signDevToken(secret, userID, tenantID string, role domain.Role) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
		},
		TenantID: tenantID,
		Role:     string(role),
	})
	return token.SignedString([]byte(secret))
}

// authenticateAPIKey resolves a hashed key to its user row, which carries
// the tenant and role the principal inherits.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (domain.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Principal{}, errors.New("api key required")
	}
	hash := repo.HashAPIKey(key)
	apiKey, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return domain.Principal{}, err
	}
	user, err := r.GetUser(ctx, apiKey.UserID)
	if err != nil {
		return domain.Principal{}, err
	}
	return domain.Principal{
		TenantID: user.TenantID,
		UserID:   user.ID,
		Role:     user.Role,
		Source:   "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == devLoginPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if cfg.AllowLegacyUserHeader {
				legacyUser := strings.TrimSpace(req.Header.Get("X-User-Id"))
				legacyTenant := strings.TrimSpace(req.Header.Get("X-Tenant-Id"))
				legacyRole := domain.Role(strings.TrimSpace(req.Header.Get("X-Role")))
				if legacyUser != "" && legacyTenant != "" && legacyRole.Valid() {
					cfg.logger().Printf("WARNING: using legacy X-User-Id header without auth; deprecated and ignored when Authorization or X-Api-Key is present (user_id=%s)", legacyUser)
					principal := domain.Principal{
						TenantID: legacyTenant,
						UserID:   legacyUser,
						Role:     legacyRole,
						Source:   "legacy_header",
					}
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
					return
				}
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
