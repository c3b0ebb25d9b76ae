// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/recipebox/internal/model"
)

var (
	// ErrNotFound は更新・削除対象のレコードが存在しない場合に返される。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate は一意制約に違反した場合に返される。
	ErrDuplicate = errors.New("duplicate record")
)

// RecipeRepository はレシピデータの永続化インターフェース。
// 評価とコメントはレシピに従属し、配列要素単位のアトミックな操作で更新する。
type RecipeRepository interface {
	// Create はレシピを作成する。IDとタイムスタンプは呼び出し側で設定する。
	Create(ctx context.Context, recipe *model.Recipe) error

	// FindByID は指定IDのレシピを評価・コメント付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Recipe, error)

	// Exists は指定IDのレシピが存在するかを返す。
	Exists(ctx context.Context, id string) (bool, error)

	// List はフィルタ条件に一致するレシピを作成順にoffset件スキップしてlimit件返す。
	List(ctx context.Context, filter model.RecipeFilter, offset, limit int) ([]model.Recipe, error)

	// Count はフィルタ条件に一致するレシピ数を返す。
	Count(ctx context.Context, filter model.RecipeFilter) (int, error)

	// ListByIDs は指定IDのレシピを返す。存在しないIDは無視し、順序は保証しない。
	ListByIDs(ctx context.Context, ids []string) ([]model.Recipe, error)

	// ListByUserID は指定ユーザーが投稿したレシピを作成順に返す。
	ListByUserID(ctx context.Context, userID string) ([]model.Recipe, error)

	// FindBySourceURL はインポート元URLでレシピを検索する。見つからない場合はnilを返す。
	FindBySourceURL(ctx context.Context, sourceURL string) (*model.Recipe, error)

	// Update はレシピ本体のフィールドとupdated_atを上書きする。
	// 評価とコメントは変更しない。存在しない場合はErrNotFoundを返す。
	Update(ctx context.Context, recipe *model.Recipe) error

	// DeleteWithCascade はレシピを削除し、全ユーザーの保存済みリストからIDを取り除く。
	// 存在しない場合はErrNotFoundを返す。
	DeleteWithCascade(ctx context.Context, id string) error

	// UpsertRating はユーザーの評価を追加または上書きし、更新後の評価一覧を返す。
	// レシピが存在しない場合はErrNotFoundを返す。
	UpsertRating(ctx context.Context, recipeID, userID string, rating int) ([]model.Rating, error)

	// AddComment はコメントを末尾に追加する。レシピが存在しない場合はErrNotFoundを返す。
	AddComment(ctx context.Context, recipeID string, comment *model.Comment) error

	// UpdateComment はコメント本文を上書きし、更新後のコメントを返す。
	// コメントが存在しない場合はErrNotFoundを返す。
	UpdateComment(ctx context.Context, recipeID, commentID, text string, updatedAt time.Time) (*model.Comment, error)

	// DeleteComment はコメントを削除する。コメントが存在しない場合は何もしない。
	// レシピが存在しない場合はErrNotFoundを返す。
	DeleteComment(ctx context.Context, recipeID, commentID string) error

	// ListComments はレシピのコメントを投稿順に返す。
	ListComments(ctx context.Context, recipeID string) ([]model.Comment, error)

	// RatingTotals は評価が1件以上あるレシピごとの評価合計を返す。
	RatingTotals(ctx context.Context) ([]model.RatingTotal, error)
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。ユーザー名が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindUsernames は指定IDのユーザー名をIDをキーとするマップで返す。
	// 存在しないIDはマップに含まれない。
	FindUsernames(ctx context.Context, ids []string) (map[string]string, error)

	// AddSavedRecipe は保存済みリストの末尾にレシピIDを追加し、更新後のリストを返す。
	// 既に含まれている場合はリストを変更せず added=false を返す。
	AddSavedRecipe(ctx context.Context, userID, recipeID string) (saved []string, added bool, err error)

	// PruneStaleSavedRecipes は存在しないレシピを指す保存済みIDを全ユーザーから取り除く。
	// 戻り値は修正したユーザー数。
	PruneStaleSavedRecipes(ctx context.Context) (int64, error)
}

// HealthChecker はストアの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}
