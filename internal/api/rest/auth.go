package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/auth"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/gin-gonic/gin"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"` // seconds
	ExpiresAt   time.Time `json:"expires_at"`
}

type CreateAPITokenResponse struct {
	Token string `json:"token"` // Only returned once!
	Hash  string `json:"hash"`
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	token, expires, err := s.authService.LoginUser(req.Username, req.Password, c.ClientIP())
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid credentials", nil))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("AUTH_500", "Login failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Seconds()),
		ExpiresAt:   expires,
	})
}

// GET /api/v1/auth/me
func (s *Server) getCurrentUser(c *gin.Context) {
	p := auth.GetPrincipal(c)
	if p == nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Not authenticated", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     p.UserID,
		"username":    p.Username,
		"role":        p.Role,
		"permissions": p.Permissions,
	})
}

// POST /api/v1/auth/tokens
// The hash goes into auth.tokens in the config file.
func (s *Server) createAPIToken(c *gin.Context) {
	token, hash, err := s.authService.GenerateAPIToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("AUTH_500", "Failed to generate token", err.Error()))
		return
	}
	c.JSON(http.StatusCreated, CreateAPITokenResponse{Token: token, Hash: hash})
}
