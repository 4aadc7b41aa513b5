package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const operatorContextKey contextKey = "operator"

// Claims identifies an operator of the NOC API
type Claims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// publicPaths are served without a token
var publicPaths = map[string]bool{
	"/health":      true,
	"/favicon.ico": true,
}

// IssueToken signs an operator token valid for ttl
func IssueToken(secret, operator, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := &Claims{
		Operator: operator,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthMiddleware validates JWT tokens
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads "Bearer <token>" or, for websocket upgrades that
// cannot set headers from a browser, the token query parameter
func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok := strings.TrimPrefix(h, "Bearer ")
		return tok, tok != h && tok != ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		tok := r.URL.Query().Get("token")
		return tok, tok != ""
	}
	return "", false
}

// GetOperatorFromContext retrieves operator claims from context
func GetOperatorFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(operatorContextKey).(*Claims); ok {
		return claims
	}
	return nil
}
