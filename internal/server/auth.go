package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"BattleLedger/internal/apperr"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// RoleAdmin is the role claim required on admin routes.
const RoleAdmin = "admin"

var (
	ErrUnauthorized = apperr.New(apperr.KindValidation, "unauthorized", "missing or invalid admin token")
	ErrForbidden    = apperr.New(apperr.KindValidation, "forbidden", "admin role required")
)

type adminKey struct{}

// AdminClaims is the token payload. Subject names the admin.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth verifies HS256 bearer tokens on admin routes.
type AdminAuth struct {
	secret []byte
	issuer string
	leeway time.Duration
	log    zerolog.Logger
}

func NewAdminAuth(secret, issuer string, log zerolog.Logger) *AdminAuth {
	return &AdminAuth{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: issuer,
		leeway: 30 * time.Second,
		log:    log,
	}
}

// Enabled reports whether a secret is configured. Admin routes are not
// mounted without one.
func (a *AdminAuth) Enabled() bool { return a != nil && len(a.secret) > 0 }

// Middleware rejects requests without a valid admin token and stores the
// admin's subject in the request context.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r.Header.Get("Authorization"))
		if raw == "" {
			writeStatusError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		claims, err := a.Parse(raw)
		if err != nil {
			a.log.Warn().Err(err).Str("path", r.URL.Path).Msg("admin token rejected")
			writeStatusError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		if claims.Role != RoleAdmin {
			writeStatusError(w, http.StatusForbidden, ErrForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), adminKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Parse verifies signature, expiry and issuer.
func (a *AdminAuth) Parse(raw string) (*AdminClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("admin auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Issue signs an admin token for subject.
func (a *AdminAuth) Issue(subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// AdminFrom returns the authenticated admin, if any.
func AdminFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminKey{}).(string)
	return s, ok && s != ""
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
