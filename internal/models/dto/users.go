package dto

import "github.com/hongminglow/shop-user-api/internal/models"

type UserListResponse struct {
	Users  []models.User `json:"users"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
