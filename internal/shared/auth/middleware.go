// Package auth resolves the acting staff member of a request. The staff
// role is an opaque string; what each role may do is decided elsewhere.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinic-ops/patientflow/internal/shared/config"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
)

type contextKey string

const (
	StaffContextKey contextKey = "staff"
)

// Staff is the authenticated (or declared) caller.
type Staff struct {
	ID   string `json:"sub,omitempty"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
	// Verified is false when the role came from a plain header
	Verified bool `json:"verified"`
}

// Claims extends JWT claims with the staff role.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// Middleware resolves the caller from a bearer token. Without a token the
// request is rejected when cfg.RequireToken is set; otherwise the role is
// read from cfg.RoleHeader.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if cfg.RequireToken {
					writeError(w, http.StatusUnauthorized, "missing authorization header")
					return
				}
				staff := &Staff{}
				if cfg.RoleHeader != "" {
					staff.Role = strings.TrimSpace(r.Header.Get(cfg.RoleHeader))
				}
				next.ServeHTTP(w, r.WithContext(WithStaff(r.Context(), staff)))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			claims, err := ParseToken(cfg.JWTSecret, parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			staff := &Staff{
				ID:       claims.Subject,
				Name:     claims.Name,
				Role:     claims.Role,
				Verified: true,
			}
			next.ServeHTTP(w, r.WithContext(WithStaff(r.Context(), staff)))
		})
	}
}

// ParseToken validates an HS256 token signed with secret.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// IssueToken signs a token for a staff member. Used by the CLI to hand out
// desk credentials.
func IssueToken(secret, subject, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "patientflow",
		},
		Role: role,
		Name: name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WithStaff stores staff on ctx.
func WithStaff(ctx context.Context, staff *Staff) context.Context {
	return context.WithValue(ctx, StaffContextKey, staff)
}

// GetStaff extracts the caller from request context
func GetStaff(ctx context.Context) *Staff {
	staff, ok := ctx.Value(StaffContextKey).(*Staff)
	if !ok {
		return nil
	}
	return staff
}

// RoleFromContext returns the caller's role, or "" when unknown.
func RoleFromContext(ctx context.Context) string {
	if staff := GetStaff(ctx); staff != nil {
		return staff.Role
	}
	return ""
}

// Actor names the caller for journal entries: the subject when known,
// otherwise the role.
func (s *Staff) Actor() string {
	if s == nil {
		return ""
	}
	if s.ID != "" {
		return s.ID
	}
	return s.Role
}

// RequireRoles creates middleware that requires one of the given roles
// (compared case-insensitively).
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			staff := GetStaff(r.Context())
			if staff == nil || staff.Role == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !hasAnyRole(staff.Role, roles) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hasAnyRole(role string, required []string) bool {
	for _, r := range required {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	appErr := apperrors.Unauthorized(message)
	if status == http.StatusForbidden {
		appErr = apperrors.Forbidden(message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]string{"error": appErr.Message, "code": appErr.Code})
}
