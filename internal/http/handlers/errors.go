package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hongminglow/shop-user-api/internal/account"
	"github.com/hongminglow/shop-user-api/internal/http/respond"
	"github.com/hongminglow/shop-user-api/internal/logging"
)

const maxBodyBytes = 1 << 20

// writeError maps account failures to status codes. Unrecognised errors become a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	var (
		validation *account.ValidationError
		duplicate  *account.DuplicateFieldError
	)
	switch {
	case errors.As(err, &validation):
		respond.Error(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &duplicate):
		respond.Error(w, http.StatusBadRequest, duplicate.Error())
	case errors.Is(err, account.ErrInvalidCredentials):
		respond.Unauthorized(w, "Incorrect username or password")
	case errors.Is(err, account.ErrInvalidToken):
		respond.Unauthorized(w, "Could not validate credentials")
	case errors.Is(err, account.ErrForbidden):
		respond.Error(w, http.StatusForbidden, "Not enough permissions")
	case errors.Is(err, account.ErrNotFound):
		respond.Error(w, http.StatusNotFound, "User not found")
	case errors.Is(err, account.ErrBadCurrentPassword):
		respond.Error(w, http.StatusBadRequest, "Current password is missing or incorrect")
	case errors.Is(err, account.ErrNoFields):
		respond.Error(w, http.StatusBadRequest, "No fields to update")
	default:
		log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respond.Error(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, fmt.Sprintf("%s must be an integer", name))
		return 0, false
	}
	return v, true
}
