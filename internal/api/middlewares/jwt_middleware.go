package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markdave123-py/docindex/internal/models"
)

type userKey struct{}

// WithUser attaches an authenticated identity to ctx.
func WithUser(ctx context.Context, user models.UserProfile) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the identity JWTMiddleware attached.
func UserFromContext(ctx context.Context) (models.UserProfile, bool) {
	user, ok := ctx.Value(userKey{}).(models.UserProfile)
	return user, ok
}

// JWTMiddleware validates the Authorization header and attaches the caller's
// identity to the request context. Tokens are HS256 with the user id in sub.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing or invalid token", http.StatusUnauthorized)
				return
			}

			tokenStr := strings.TrimPrefix(auth, "Bearer ")
			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			sub, err := claims.GetSubject()
			if err != nil || sub == "" {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}
			user := models.UserProfile{ID: sub}
			user.Email, _ = claims["email"].(string)
			user.DevAPIKey, _ = claims["dev_api_key"].(bool)

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
