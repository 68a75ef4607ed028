package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botchat/internal/domain"
)

const identityKey = "identity"

// RequireElevated rejects requests without a verified elevated identity.
func RequireElevated(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := v.Verify(TokenFromRequest(c.Request()))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			if !v.IsElevated(id) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			c.Set(identityKey, id)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity stored by RequireElevated.
func IdentityFrom(c echo.Context) (domain.Identity, bool) {
	id, ok := c.Get(identityKey).(domain.Identity)
	return id, ok
}
