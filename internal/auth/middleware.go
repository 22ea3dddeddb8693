package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

var anonymousAdmin = &Principal{Username: "anonymous", Role: "admin", Permissions: RoleToPermissions("admin")}

// BearerToken extracts the token from an Authorization header. WebSocket
// clients that cannot set headers may pass ?token= instead.
func BearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

// AuthMiddleware validates tokens and enforces authentication
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(principalKey, anonymousAdmin)
			c.Next()
			return
		}

		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("unauthorized", "missing or malformed authorization header", nil))
			return
		}

		principal, err := a.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("unauthorized", err.Error(), nil))
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission.
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := GetPrincipal(c)
		if principal == nil {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("forbidden", "no permissions found", nil))
			return
		}

		if !slices.Contains(principal.Permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("forbidden", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}

		c.Next()
	}
}

// GetPrincipal returns the caller set by AuthMiddleware.
func GetPrincipal(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}
