// Package user はユーザー登録と参照のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/recipebox/internal/model"
	"github.com/hitoshi/recipebox/internal/repository"
)

// usernamePattern はユーザー名に使える文字と長さ。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,30}$`)

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo repository.UserRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository) *Service {
	return &Service{userRepo: userRepo}
}

// Register はユーザー名を登録し、作成したユーザーを返す。
// ユーザー名が使用済みの場合はUSERNAME_TAKENを返す。
func (s *Service) Register(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return nil, model.NewValidationError("ユーザー名は3〜30文字の英数字と _ . - で指定してください。")
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		SavedRecipes: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.userRepo.Create(ctx, user)
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, model.NewUsernameTakenError(username)
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを登録しました",
		slog.String("user_id", user.ID),
		slog.String("username", username),
	)
	return user, nil
}

// Get は指定IDのユーザーを保存済みレシピ付きで返す。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, model.NewUserNotFoundError(userID)
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(userID)
	}
	return user, nil
}
