package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MountAuthRoutes registers /login, /refresh, /logout, /validate, and /user.
func MountAuthRoutes(router gin.IRouter, service *Service) {
	router.POST("/login", func(contextGin *gin.Context) {
		var inbound LoginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			writeAuthError(contextGin, http.StatusBadRequest, "auth.invalid_json", "Invalid request body")
			return
		}
		response, err := service.Login(contextGin.Request.Context(), inbound)
		if err != nil {
			abortWithAuthError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, response)
	})

	router.POST("/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			writeAuthError(contextGin, http.StatusBadRequest, "auth.invalid_json", "Invalid request body")
			return
		}
		response, err := service.Refresh(contextGin.Request.Context(), inbound.RefreshToken)
		if err != nil {
			abortWithAuthError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, response)
	})

	protected := router.Group("")
	protected.Use(RequireSession(service))

	protected.POST("/logout", func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		if _, err := service.Logout(contextGin.Request.Context(), principal); err != nil {
			abortWithAuthError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
	})

	protected.GET("/validate", func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{
			"valid":    true,
			"userId":   principal.UserID,
			"username": principal.Username,
			"email":    principal.Email,
		})
	})

	protected.GET("/user", func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		user, err := service.CurrentUser(contextGin.Request.Context(), principal)
		if err != nil {
			abortWithAuthError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, summarizeUser(user))
	})
}

// abortWithAuthError maps an error kind to its status; internal detail never reaches the body.
func abortWithAuthError(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingAccessToken):
		writeAuthError(contextGin, http.StatusBadRequest, "auth.missing_access_token", "Access token is required")
	case errors.Is(err, ErrMissingRefreshToken):
		writeAuthError(contextGin, http.StatusBadRequest, "auth.missing_refresh_token", "Refresh token is required")
	case errors.Is(err, ErrUpstreamUnavailable):
		writeAuthError(contextGin, http.StatusUnauthorized, "auth.upstream_unavailable", "Identity provider unavailable")
	case errors.Is(err, ErrInvalidCredential):
		writeAuthError(contextGin, http.StatusUnauthorized, "auth.invalid_credential", "Invalid credentials")
	case errors.Is(err, ErrInvalidRefreshToken):
		writeAuthError(contextGin, http.StatusUnauthorized, "auth.invalid_refresh_token", "Invalid refresh token")
	case errors.Is(err, ErrInvalidSession):
		writeAuthError(contextGin, http.StatusUnauthorized, "auth.invalid_session", "Invalid session")
	case errors.Is(err, ErrEmailConflict):
		writeAuthError(contextGin, http.StatusConflict, "auth.email_conflict", "Email already belongs to another user")
	default:
		writeAuthError(contextGin, http.StatusInternalServerError, "auth.internal_error", "Internal error")
	}
}

func writeAuthError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"message": message, "code": code})
}
