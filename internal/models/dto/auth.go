package dto

import (
	"time"

	"github.com/hongminglow/shop-user-api/internal/models"
)

// TokenTypeBearer is the token_type reported alongside every access token.
const TokenTypeBearer = "bearer"

type LoginRequest struct {
	// Username accepts either the username or the email address.
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type LoginResponse struct {
	TokenResponse
	User models.User `json:"user"`
}

type UserResponse struct {
	User models.User `json:"user"`
}
