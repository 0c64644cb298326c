package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hongminglow/shop-user-api/internal/auth"
	"github.com/hongminglow/shop-user-api/internal/http/respond"
	"github.com/hongminglow/shop-user-api/internal/logging"
	"github.com/hongminglow/shop-user-api/internal/middleware"
	"github.com/hongminglow/shop-user-api/internal/models"
	"github.com/hongminglow/shop-user-api/internal/models/dto"
)

// Authenticator covers the credential flows of the account service.
type Authenticator interface {
	Register(ctx context.Context, in models.RegisterInput) (models.User, error)
	Login(ctx context.Context, in models.LoginInput) (models.User, auth.Token, error)
	Refresh(ctx context.Context, token string) (auth.Token, error)
}

// AuthHandler owns the register, login and token refresh endpoints.
type AuthHandler struct {
	accounts Authenticator
	log      logging.Logger
}

// NewAuthHandler constructs the handler.
func NewAuthHandler(accounts Authenticator, log logging.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, log: log}
}

// Register attaches auth routes. protect guards routes that need a bearer token.
func (h *AuthHandler) Register(r chi.Router, protect func(http.Handler) http.Handler) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.With(protect).Post("/refresh-token", h.handleRefresh)
	})
}

// Signup is the registration handler, also mounted as POST /users.
func (h *AuthHandler) Signup() http.HandlerFunc {
	return h.handleRegister
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := h.accounts.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "User registered successfully", dto.UserResponse{User: created})
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := h.accounts.Login(r.Context(), models.LoginInput(req))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Login successful", dto.LoginResponse{
		TokenResponse: tokenResponse(token),
		User:          user,
	})
}

func (h *AuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.BearerToken(r)
	fresh, err := h.accounts.Refresh(r.Context(), token)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Token refreshed", tokenResponse(fresh))
}

func tokenResponse(token auth.Token) dto.TokenResponse {
	return dto.TokenResponse{
		AccessToken: token.Value,
		TokenType:   dto.TokenTypeBearer,
		ExpiresAt:   token.ExpiresAt,
	}
}
