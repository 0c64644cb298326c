package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hongminglow/shop-user-api/internal/account"
	"github.com/hongminglow/shop-user-api/internal/http/respond"
	"github.com/hongminglow/shop-user-api/internal/logging"
	"github.com/hongminglow/shop-user-api/internal/middleware"
	"github.com/hongminglow/shop-user-api/internal/models"
	"github.com/hongminglow/shop-user-api/internal/models/dto"
)

// Directory covers reads and owner-only writes of user records.
type Directory interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	ListUsers(ctx context.Context, limit, offset int) (account.Page, error)
	Update(ctx context.Context, subject string, id int64, patch models.UserPatch) (models.User, error)
	Delete(ctx context.Context, subject string, id int64) error
}

// UserHandler serves the authenticated /users routes.
type UserHandler struct {
	users Directory
	log   logging.Logger
}

// NewUserHandler constructs the handler.
func NewUserHandler(users Directory, log logging.Logger) *UserHandler {
	return &UserHandler{users: users, log: log}
}

// Register attaches the protected user routes to r, which is mounted at /users.
func (h *UserHandler) Register(r chi.Router, protect func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(protect)
		r.Get("/", h.handleList)
		r.Get("/username/{username}", h.handleGetByUsername)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
}

func (h *UserHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", account.DefaultPageSize)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	page, err := h.users.ListUsers(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "Users retrieved", dto.UserListResponse{
		Users:  page.Users,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (h *UserHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "User retrieved", dto.UserResponse{User: user})
}

func (h *UserHandler) handleGetByUsername(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "User retrieved", dto.UserResponse{User: user})
}

func (h *UserHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch models.UserPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	updated, err := h.users.Update(r.Context(), middleware.Subject(r.Context()), id, patch)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "User updated successfully", dto.UserResponse{User: updated})
}

func (h *UserHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.users.Delete(r.Context(), middleware.Subject(r.Context()), id); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "User deleted successfully", nil)
}
