package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/recipebox/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
// 保存済みレシピはusers.saved_recipes（uuid[]）に保存順で保持する。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// Create はユーザーを作成する。ユーザー名が重複する場合はErrDuplicateを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, saved_recipes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, pq.Array(nonNilStrings(user.SavedRecipes)), user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	var saved pq.StringArray
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, saved_recipes, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Username, &saved, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	user.SavedRecipes = nonNilStrings(saved)
	return user, nil
}

// FindUsernames は指定IDのユーザー名をIDをキーとするマップで返す。
func (r *PostgresUserRepo) FindUsernames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username FROM users WHERE id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザー名の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, username string
		if err := rows.Scan(&id, &username); err != nil {
			return nil, fmt.Errorf("ユーザー名のスキャンに失敗しました: %w", err)
		}
		names[id] = username
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザー名の読み取りに失敗しました: %w", err)
	}
	return names, nil
}

// AddSavedRecipe は保存済みリストの末尾にレシピIDを追加し、更新後のリストを返す。
// 重複チェックと追加は1文のUPDATEで行うため、同時実行でも重複は発生しない。
func (r *PostgresUserRepo) AddSavedRecipe(ctx context.Context, userID, recipeID string) ([]string, bool, error) {
	var saved pq.StringArray
	err := r.db.QueryRowContext(ctx,
		`UPDATE users
		 SET saved_recipes = array_append(saved_recipes, $2::uuid), updated_at = now()
		 WHERE id = $1 AND NOT ($2::uuid = ANY(saved_recipes))
		 RETURNING saved_recipes`,
		userID, recipeID,
	).Scan(&saved)
	if err == nil {
		return nonNilStrings(saved), true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("保存済みレシピの追加に失敗しました: %w", err)
	}

	// 更新対象がない場合は、ユーザー不在か保存済みのどちらか
	user, err := r.FindByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, ErrNotFound
	}
	return user.SavedRecipes, false, nil
}

// PruneStaleSavedRecipes は存在しないレシピを指す保存済みIDを全ユーザーから取り除く。
// 残ったIDの保存順は維持する。
func (r *PostgresUserRepo) PruneStaleSavedRecipes(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users u
		 SET saved_recipes = ARRAY(
		         SELECT s.id FROM unnest(u.saved_recipes) WITH ORDINALITY AS s(id, ord)
		         WHERE EXISTS (SELECT 1 FROM recipes r WHERE r.id = s.id)
		         ORDER BY s.ord
		     ),
		     updated_at = now()
		 WHERE EXISTS (
		     SELECT 1 FROM unnest(u.saved_recipes) AS s(id)
		     WHERE NOT EXISTS (SELECT 1 FROM recipes r WHERE r.id = s.id)
		 )`,
	)
	if err != nil {
		return 0, fmt.Errorf("保存済みレシピの整理に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
