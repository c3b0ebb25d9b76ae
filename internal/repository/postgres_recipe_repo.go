package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/recipebox/internal/model"
)

const recipeColumns = `id, title, ingredients, instructions, imgurl, prep_time,
		difficulty, category, user_id, source_url, created_at, updated_at`

// PostgresRecipeRepo はPostgreSQLを使用したレシピリポジトリ。
// 評価はrecipe_ratings、コメントはrecipe_commentsに保持し、取得時にレシピへ結合する。
type PostgresRecipeRepo struct {
	db *sql.DB
}

// NewPostgresRecipeRepo はPostgresRecipeRepoを生成する。
func NewPostgresRecipeRepo(db *sql.DB) *PostgresRecipeRepo {
	return &PostgresRecipeRepo{db: db}
}

// Create はレシピを作成する。
// source_urlが既存レシピと重複する場合はErrDuplicateを返す。
func (r *PostgresRecipeRepo) Create(ctx context.Context, recipe *model.Recipe) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recipes (id, title, ingredients, instructions, imgurl, prep_time,
		                      difficulty, category, user_id, source_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		recipe.ID, recipe.Title, pq.Array(nonNilStrings(recipe.Ingredients)), recipe.Instructions,
		recipe.ImgURL, recipe.PrepTime, recipe.Difficulty, recipe.Category,
		nullString(recipe.UserID), nullString(recipe.SourceURL), recipe.CreatedAt, recipe.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("レシピの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのレシピを評価・コメント付きで取得する。見つからない場合はnilを返す。
func (r *PostgresRecipeRepo) FindByID(ctx context.Context, id string) (*model.Recipe, error) {
	recipe, err := scanRecipe(r.db.QueryRowContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レシピの取得に失敗しました: %w", err)
	}

	recipes := []model.Recipe{*recipe}
	if err := r.attachChildren(ctx, recipes); err != nil {
		return nil, err
	}
	return &recipes[0], nil
}

// Exists は指定IDのレシピが存在するかを返す。
func (r *PostgresRecipeRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM recipes WHERE id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("レシピの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// List はフィルタ条件に一致するレシピを作成順にoffset件スキップしてlimit件返す。
func (r *PostgresRecipeRepo) List(ctx context.Context, filter model.RecipeFilter, offset, limit int) ([]model.Recipe, error) {
	where, args := buildRecipeFilter(filter)
	args = append(args, limit, offset)
	query := `SELECT ` + recipeColumns + ` FROM recipes` + where +
		fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.queryRecipes(ctx, query, args...)
}

// Count はフィルタ条件に一致するレシピ数を返す。
func (r *PostgresRecipeRepo) Count(ctx context.Context, filter model.RecipeFilter) (int, error) {
	where, args := buildRecipeFilter(filter)

	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("レシピ数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ListByIDs は指定IDのレシピを返す。存在しないIDは無視する。
func (r *PostgresRecipeRepo) ListByIDs(ctx context.Context, ids []string) ([]model.Recipe, error) {
	if len(ids) == 0 {
		return []model.Recipe{}, nil
	}
	return r.queryRecipes(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE id = ANY($1::uuid[]) ORDER BY created_at, id`,
		pq.Array(ids),
	)
}

// ListByUserID は指定ユーザーが投稿したレシピを作成順に返す。
func (r *PostgresRecipeRepo) ListByUserID(ctx context.Context, userID string) ([]model.Recipe, error) {
	return r.queryRecipes(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE user_id = $1 ORDER BY created_at, id`,
		userID,
	)
}

// FindBySourceURL はインポート元URLでレシピを検索する。見つからない場合はnilを返す。
// 重複判定用のため評価とコメントは結合しない。
func (r *PostgresRecipeRepo) FindBySourceURL(ctx context.Context, sourceURL string) (*model.Recipe, error) {
	recipe, err := scanRecipe(r.db.QueryRowContext(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE source_url = $1`,
		sourceURL,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("インポート元URLでのレシピ検索に失敗しました: %w", err)
	}
	return recipe, nil
}

// Update はレシピ本体のフィールドとupdated_atを上書きする。
func (r *PostgresRecipeRepo) Update(ctx context.Context, recipe *model.Recipe) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE recipes
		 SET title = $2, ingredients = $3, instructions = $4, imgurl = $5,
		     prep_time = $6, difficulty = $7, category = $8, updated_at = $9
		 WHERE id = $1`,
		recipe.ID, recipe.Title, pq.Array(nonNilStrings(recipe.Ingredients)), recipe.Instructions,
		recipe.ImgURL, recipe.PrepTime, recipe.Difficulty, recipe.Category, recipe.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("レシピの更新に失敗しました: %w", err)
	}
	return expectAffected(result)
}

// DeleteWithCascade はレシピを削除し、全ユーザーの保存済みリストからIDを取り除く。
// 削除と参照の除去は同一トランザクションで行う。評価とコメントは外部キーでCASCADE削除される。
func (r *PostgresRecipeRepo) DeleteWithCascade(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM recipes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("レシピの削除に失敗しました: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users
		 SET saved_recipes = array_remove(saved_recipes, $1::uuid), updated_at = now()
		 WHERE $1::uuid = ANY(saved_recipes)`,
		id,
	)
	if err != nil {
		return fmt.Errorf("保存済みレシピの参照削除に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertRating はユーザーの評価を追加または上書きし、更新後の評価一覧を返す。
// (recipe_id, user_id) の主キーにより1ユーザー1評価が保証される。
func (r *PostgresRecipeRepo) UpsertRating(ctx context.Context, recipeID, userID string, rating int) ([]model.Rating, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO recipe_ratings (recipe_id, user_id, rating, created_at, updated_at)
		 SELECT $1::uuid, $2::uuid, $3::integer, now(), now()
		 WHERE EXISTS (SELECT 1 FROM recipes WHERE id = $1::uuid)
		 ON CONFLICT (recipe_id, user_id)
		 DO UPDATE SET rating = EXCLUDED.rating, updated_at = EXCLUDED.updated_at`,
		recipeID, userID, rating,
	)
	if isForeignKeyViolation(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("評価の保存に失敗しました: %w", err)
	}
	if err := expectAffected(result); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT user_id, rating FROM recipe_ratings
		 WHERE recipe_id = $1 ORDER BY created_at, user_id`,
		recipeID,
	)
	if err != nil {
		return nil, fmt.Errorf("評価一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	ratings := []model.Rating{}
	for rows.Next() {
		var rt model.Rating
		if err := rows.Scan(&rt.UserID, &rt.Rating); err != nil {
			return nil, fmt.Errorf("評価のスキャンに失敗しました: %w", err)
		}
		ratings = append(ratings, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("評価一覧の読み取りに失敗しました: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ratings, nil
}

// AddComment はコメントを追加する。レシピが存在しない場合はErrNotFoundを返す。
func (r *PostgresRecipeRepo) AddComment(ctx context.Context, recipeID string, comment *model.Comment) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO recipe_comments (id, recipe_id, user_id, comment, created_at, updated_at)
		 SELECT $1::uuid, $2::uuid, $3::uuid, $4::text, $5::timestamptz, $6::timestamptz
		 WHERE EXISTS (SELECT 1 FROM recipes WHERE id = $2::uuid)`,
		comment.ID, recipeID, comment.UserID, comment.Comment, comment.CreatedAt, comment.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("コメントの追加に失敗しました: %w", err)
	}
	return expectAffected(result)
}

// UpdateComment はコメント本文を上書きし、更新後のコメントを返す。
func (r *PostgresRecipeRepo) UpdateComment(ctx context.Context, recipeID, commentID, text string, updatedAt time.Time) (*model.Comment, error) {
	c := &model.Comment{}
	err := r.db.QueryRowContext(ctx,
		`UPDATE recipe_comments SET comment = $3, updated_at = $4
		 WHERE recipe_id = $1 AND id = $2
		 RETURNING id, user_id, comment, created_at, updated_at`,
		recipeID, commentID, text, updatedAt,
	).Scan(&c.ID, &c.UserID, &c.Comment, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("コメントの更新に失敗しました: %w", err)
	}
	return c, nil
}

// DeleteComment はコメントを削除する。コメントが存在しない場合は何もしない。
func (r *PostgresRecipeRepo) DeleteComment(ctx context.Context, recipeID, commentID string) error {
	var recipeExists bool
	err := r.db.QueryRowContext(ctx,
		`WITH deleted AS (
		     DELETE FROM recipe_comments WHERE recipe_id = $1 AND id = $2
		 )
		 SELECT EXISTS (SELECT 1 FROM recipes WHERE id = $1)`,
		recipeID, commentID,
	).Scan(&recipeExists)
	if err != nil {
		return fmt.Errorf("コメントの削除に失敗しました: %w", err)
	}
	if !recipeExists {
		return ErrNotFound
	}
	return nil
}

// ListComments はレシピのコメントを投稿順に返す。
func (r *PostgresRecipeRepo) ListComments(ctx context.Context, recipeID string) ([]model.Comment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, comment, created_at, updated_at
		 FROM recipe_comments WHERE recipe_id = $1 ORDER BY created_at, id`,
		recipeID,
	)
	if err != nil {
		return nil, fmt.Errorf("コメント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.UserID, &c.Comment, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("コメントのスキャンに失敗しました: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("コメント一覧の読み取りに失敗しました: %w", err)
	}
	return comments, nil
}

// RatingTotals は評価が1件以上あるレシピごとの評価合計を返す。
func (r *PostgresRecipeRepo) RatingTotals(ctx context.Context) ([]model.RatingTotal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recipe_id, SUM(rating), COUNT(*) FROM recipe_ratings GROUP BY recipe_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("評価合計の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	var totals []model.RatingTotal
	for rows.Next() {
		var t model.RatingTotal
		if err := rows.Scan(&t.RecipeID, &t.Sum, &t.Count); err != nil {
			return nil, fmt.Errorf("評価合計のスキャンに失敗しました: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("評価合計の読み取りに失敗しました: %w", err)
	}
	return totals, nil
}

// queryRecipes はレシピ行を読み取り、評価とコメントを結合して返す。
func (r *PostgresRecipeRepo) queryRecipes(ctx context.Context, query string, args ...any) ([]model.Recipe, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("レシピ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	recipes := []model.Recipe{}
	for rows.Next() {
		recipe, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("レシピのスキャンに失敗しました: %w", err)
		}
		recipes = append(recipes, *recipe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レシピ一覧の読み取りに失敗しました: %w", err)
	}
	rows.Close()

	if err := r.attachChildren(ctx, recipes); err != nil {
		return nil, err
	}
	return recipes, nil
}

// attachChildren は複数レシピの評価とコメントを2クエリでまとめて取得し、各レシピに設定する。
func (r *PostgresRecipeRepo) attachChildren(ctx context.Context, recipes []model.Recipe) error {
	if len(recipes) == 0 {
		return nil
	}

	ids := make([]string, len(recipes))
	index := make(map[string]int, len(recipes))
	for i := range recipes {
		ids[i] = recipes[i].ID
		index[recipes[i].ID] = i
		recipes[i].Ratings = []model.Rating{}
		recipes[i].Comments = []model.Comment{}
	}

	ratingRows, err := r.db.QueryContext(ctx,
		`SELECT recipe_id, user_id, rating FROM recipe_ratings
		 WHERE recipe_id = ANY($1::uuid[]) ORDER BY created_at, user_id`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("評価の取得に失敗しました: %w", err)
	}
	defer ratingRows.Close()
	for ratingRows.Next() {
		var recipeID string
		var rt model.Rating
		if err := ratingRows.Scan(&recipeID, &rt.UserID, &rt.Rating); err != nil {
			return fmt.Errorf("評価のスキャンに失敗しました: %w", err)
		}
		i := index[recipeID]
		recipes[i].Ratings = append(recipes[i].Ratings, rt)
	}
	if err := ratingRows.Err(); err != nil {
		return fmt.Errorf("評価の読み取りに失敗しました: %w", err)
	}

	commentRows, err := r.db.QueryContext(ctx,
		`SELECT recipe_id, id, user_id, comment, created_at, updated_at FROM recipe_comments
		 WHERE recipe_id = ANY($1::uuid[]) ORDER BY created_at, id`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	defer commentRows.Close()
	for commentRows.Next() {
		var recipeID string
		var c model.Comment
		if err := commentRows.Scan(&recipeID, &c.ID, &c.UserID, &c.Comment, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return fmt.Errorf("コメントのスキャンに失敗しました: %w", err)
		}
		i := index[recipeID]
		recipes[i].Comments = append(recipes[i].Comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return fmt.Errorf("コメントの読み取りに失敗しました: %w", err)
	}

	return nil
}

// likeEscaper はILIKEパターン中のワイルドカードをリテラルとして扱うためのエスケーパー。
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// buildRecipeFilter はフィルタ条件からWHERE句とパラメータを構築する。
// searchはタイトルまたはいずれかの材料に対する部分一致（大文字小文字を区別しない）。
func buildRecipeFilter(filter model.RecipeFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.Category != "" {
		args = append(args, filter.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Difficulty != "" {
		args = append(args, filter.Difficulty)
		conds = append(conds, fmt.Sprintf("difficulty = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+likeEscaper.Replace(filter.Search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(title ILIKE $%d OR EXISTS (SELECT 1 FROM unnest(ingredients) AS ingredient WHERE ingredient ILIKE $%d))",
			n, n,
		))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipe(s rowScanner) (*model.Recipe, error) {
	recipe := &model.Recipe{}
	var ingredients pq.StringArray
	var userID, sourceURL sql.NullString

	err := s.Scan(
		&recipe.ID, &recipe.Title, &ingredients, &recipe.Instructions, &recipe.ImgURL,
		&recipe.PrepTime, &recipe.Difficulty, &recipe.Category, &userID, &sourceURL,
		&recipe.CreatedAt, &recipe.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	recipe.Ingredients = nonNilStrings(ingredients)
	recipe.UserID = nullStringValue(userID)
	recipe.SourceURL = nullStringValue(sourceURL)
	return recipe, nil
}

// expectAffected は更新件数が0件の場合にErrNotFoundを返す。
func expectAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation はPostgreSQLの一意制約違反（23505）かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isForeignKeyViolation はPostgreSQLの外部キー制約違反（23503）かどうかを判定する。
// 評価・コメントの書き込み中にレシピが削除された場合に発生する。
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// compile-time interface check
var _ RecipeRepository = (*PostgresRecipeRepo)(nil)
