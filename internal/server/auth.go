package server

import (
	"crypto/subtle"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"relaygate/internal/core"
)

// AuthMiddleware creates an Echo middleware that requires
// "Authorization: Bearer <masterKey>" on every path except skipPaths.
// If masterKey is empty, no authentication is required.
//
// The inbound Authorization header is never forwarded upstream; the
// dispatcher always sets its own.
func AuthMiddleware(masterKey string, skipPaths []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if masterKey == "" || slices.Contains(skipPaths, c.Request().URL.Path) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return handleError(c, core.NewAuthenticationError("missing authorization header"))
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				return handleError(c, core.NewAuthenticationError("invalid authorization header format, expected 'Bearer <token>'"))
			}

			token := strings.TrimPrefix(authHeader, prefix)
			if subtle.ConstantTimeCompare([]byte(token), []byte(masterKey)) != 1 {
				return handleError(c, core.NewAuthenticationError("invalid master key"))
			}

			return next(c)
		}
	}
}
