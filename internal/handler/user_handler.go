package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recipebox/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Register はユーザー名を登録する。
	Register(ctx context.Context, username string) (*model.User, error)
	// Get はユーザー情報を取得する。
	Get(ctx context.Context, userID string) (*model.User, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

type registerUserRequest struct {
	Username string `json:"username" validate:"required,max=30"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID           string    `json:"_id"`
	Username     string    `json:"username"`
	SavedRecipes []string  `json:"savedRecipes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Register はユーザーを登録する。
// POST /api/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), req.Username)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, toUserResponse(user))
}

// GetUser はユーザー情報を返す。
// GET /api/users/{userID}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toUserResponse(user))
}

func toUserResponse(user *model.User) userResponse {
	return userResponse{
		ID:           user.ID,
		Username:     user.Username,
		SavedRecipes: nonNil(user.SavedRecipes),
		CreatedAt:    user.CreatedAt,
	}
}
