package authkit

import (
	"github.com/gin-gonic/gin"
	"github.com/propertyhub/authbridge/pkg/sessionvalidator"
)

const principalContextKey = "auth_principal"

// RequireSession validates the bearer access token and injects the principal.
func RequireSession(service *Service) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		token, ok := sessionvalidator.BearerToken(contextGin.GetHeader("Authorization"))
		if !ok {
			abortWithAuthError(contextGin, ErrInvalidSession)
			return
		}
		principal, err := service.ValidateSession(contextGin.Request.Context(), token)
		if err != nil {
			abortWithAuthError(contextGin, err)
			return
		}
		contextGin.Set(principalContextKey, principal)
		contextGin.Next()
	}
}

// PrincipalFromContext returns the principal stored by RequireSession.
func PrincipalFromContext(contextGin *gin.Context) (SessionPrincipal, bool) {
	value, exists := contextGin.Get(principalContextKey)
	if !exists {
		return SessionPrincipal{}, false
	}
	principal, ok := value.(SessionPrincipal)
	return principal, ok
}
