// Package auth authenticates API callers with HS256 bearer tokens issued by
// the PHR front end and exposes the caller's NHS number and roles.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	NHSNumberKey contextKey = "nhs_number"
)

const (
	// RoleAdmin passes every RequireRole check.
	RoleAdmin = "admin"
	// RoleClinician may read any patient's record.
	RoleClinician = "clinician"
	RolePHRUser   = "phrUser"
)

type Claims struct {
	jwt.RegisteredClaims
	NHSNumber string `json:"nhsNumber"`
	// Role is the single role the PHR front end issues ("phrUser", "admin").
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func (c *Claims) roles() []string {
	roles := make([]string, 0, len(c.Roles)+1)
	if c.Role != "" {
		roles = append(roles, c.Role)
	}
	return append(roles, c.Roles...)
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(parts[1], claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setIdentity(c, claims.Subject, claims.NHSNumber, claims.roles())
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token run as an admin for the test patient; the NHS number can
// be overridden with ?patientId=.
func DevAuthMiddleware(skippers ...func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, skip := range skippers {
				if skip != nil && skip(c) {
					return next(c)
				}
			}
			if c.Request().Header.Get("Authorization") == "" {
				nhs := c.QueryParam("patientId")
				if nhs == "" {
					nhs = "9999999000"
				}
				setIdentity(c, "dev-user", nhs, []string{RoleAdmin})
			}
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, userID, nhsNumber string, roles []string) {
	c.Set("nhs_number", nhsNumber)
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, NHSNumberKey, nhsNumber)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func NHSNumberFromContext(ctx context.Context) string {
	nhs, _ := ctx.Value(NHSNumberKey).(string)
	return nhs
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
