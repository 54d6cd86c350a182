// Package auth issues and checks the HS256 tokens staff tools use against the
// inbox API.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimStaffID = "staff_id"
	claimIssued  = "iat"
	claimExpires = "exp"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// StaffIDFromContext extracts the staff id from JWT claims.
func StaffIDFromContext(c echo.Context) (string, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", err
	}
	if staffID := claimString(claims, claimStaffID); staffID != "" {
		return staffID, nil
	}
	if staffID := claimString(claims, claimSubject); staffID != "" {
		return staffID, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "staff id missing")
}

// GenerateToken creates a signed JWT for a staff member.
func GenerateToken(staffID, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(staffID) == "" {
		return "", time.Time{}, fmt.Errorf("staff id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: staffID,
		claimStaffID: staffID,
		claimIssued:  now.Unix(),
		claimExpires: expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RefreshTokenFromContext reissues the caller's token with the same lifetime
// it was originally granted, or fallback when that cannot be determined.
func RefreshTokenFromContext(c echo.Context, secret string, fallback time.Duration) (string, time.Time, error) {
	staffID, err := StaffIDFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	claims, _ := claimsFromContext(c)
	lifetime := fallback
	iat, iatOK := claimInt(claims, claimIssued)
	exp, expOK := claimInt(claims, claimExpires)
	if iatOK && expOK && exp > iat {
		lifetime = time.Duration(exp-iat) * time.Second
	}
	return GenerateToken(staffID, secret, lifetime)
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}

func claimInt(claims jwt.MapClaims, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
