package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the caller id in sub and its role.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for id. Used by seed and simulate; real
// identities come from an external issuer sharing the secret.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenString and resolves it to an Identity.
func ParseToken(secret, tokenString string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: sub is not a uuid", ErrInvalidToken)
	}
	switch claims.Role {
	case RoleDoctor, RolePatient, RoleAdmin:
	default:
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return Identity{UserID: userID, Role: claims.Role}, nil
}

// Middleware enforces a bearer JWT and stores the caller identity in the
// request context.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				unauthorized(w, "auth disabled")
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w, ErrMissingToken.Error())
				return
			}
			id, err := ParseToken(secret, strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func unauthorized(w http.ResponseWriter, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"details": details,
	})
}
