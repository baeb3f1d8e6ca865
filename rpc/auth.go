package rpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ethereum/go-ethereum/common"
)

type contextKey string

const (
	contextKeyCaller contextKey = "caller"
	contextKeyRoles  contextKey = "roles"
)

// Claims carries the identity extracted from a bearer token. The subject is
// the caller's hex address and roles mirror the engine's role registry.
type Claims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the claim set includes the named role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticate validates the Authorization bearer token with the shared HMAC
// secret and stores the caller address and roles on the request context.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				respondError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}
			if !strings.HasPrefix(header, "Bearer ") {
				respondError(w, http.StatusUnauthorized, "Authorization header must use Bearer scheme")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			claims, err := parseToken(raw, secret)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			caller, err := parseAddress(claims.Subject)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "token subject must be a hex address")
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
			ctx = context.WithValue(ctx, contextKeyRoles, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose token lacks every listed role.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			held, _ := r.Context().Value(contextKeyRoles).([]string)
			claims := Claims{Roles: held}
			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

// CallerFromContext returns the authenticated caller address.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(contextKeyCaller).([20]byte)
	return caller, ok
}

func parseToken(raw string, secret []byte) (Claims, error) {
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Claims{}, err
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, jwt.ErrTokenInvalidClaims
	}
	subject, _ := mapClaims.GetSubject()
	claims := Claims{Subject: strings.TrimSpace(subject)}
	if rawRoles, ok := mapClaims["roles"].([]interface{}); ok {
		for _, entry := range rawRoles {
			if role, ok := entry.(string); ok && strings.TrimSpace(role) != "" {
				claims.Roles = append(claims.Roles, strings.TrimSpace(role))
			}
		}
	}
	if claims.Subject == "" {
		return Claims{}, jwt.ErrTokenInvalidSubject
	}
	return claims, nil
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, jwt.ErrTokenInvalidSubject
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}
