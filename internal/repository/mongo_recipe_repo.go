package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/recipebox/internal/model"
)

// maxRatingAttempts は評価の上書きと追加が同時実行で競合した場合の再試行上限。
const maxRatingAttempts = 3

type recipeDocument struct {
	ID           string            `bson:"_id"`
	Title        string            `bson:"title"`
	Ingredients  []string          `bson:"ingredients"`
	Instructions string            `bson:"instructions"`
	ImgURL       string            `bson:"imgurl"`
	PrepTime     int               `bson:"prepTime"`
	Difficulty   string            `bson:"difficulty"`
	Category     string            `bson:"category"`
	UserID       string            `bson:"userid,omitempty"`
	SourceURL    string            `bson:"sourceUrl,omitempty"`
	Ratings      []ratingDocument  `bson:"ratings"`
	Comments     []commentDocument `bson:"comments"`
	CreatedAt    time.Time         `bson:"createdAt"`
	UpdatedAt    time.Time         `bson:"updatedAt"`
}

type ratingDocument struct {
	UserID string `bson:"userid"`
	Rating int    `bson:"rating"`
}

type commentDocument struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"userid"`
	Comment   string    `bson:"comment"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoRecipeRepo はMongoDBを使用したレシピリポジトリ。
// 評価とコメントはレシピドキュメントの埋め込み配列として保持し、
// 配列要素単位の演算子（$push, $pull, 位置指定$set）で更新する。
type MongoRecipeRepo struct {
	recipes      *mongo.Collection
	users        *mongo.Collection
	logger       *slog.Logger
	cascadeTries uint
}

// NewMongoRecipeRepo はMongoRecipeRepoを生成する。
func NewMongoRecipeRepo(db *mongo.Database, logger *slog.Logger) *MongoRecipeRepo {
	return &MongoRecipeRepo{
		recipes:      db.Collection("recipes"),
		users:        db.Collection("users"),
		logger:       logger,
		cascadeTries: 5,
	}
}

// Create はレシピを作成する。
func (r *MongoRecipeRepo) Create(ctx context.Context, recipe *model.Recipe) error {
	_, err := r.recipes.InsertOne(ctx, toRecipeDocument(recipe))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("レシピの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのレシピを取得する。見つからない場合はnilを返す。
func (r *MongoRecipeRepo) FindByID(ctx context.Context, id string) (*model.Recipe, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// Exists は指定IDのレシピが存在するかを返す。
func (r *MongoRecipeRepo) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.recipes.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("レシピの存在確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// List はフィルタ条件に一致するレシピを作成順にoffset件スキップしてlimit件返す。
func (r *MongoRecipeRepo) List(ctx context.Context, filter model.RecipeFilter, offset, limit int) ([]model.Recipe, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	return r.find(ctx, mongoRecipeFilter(filter), opts)
}

// Count はフィルタ条件に一致するレシピ数を返す。
func (r *MongoRecipeRepo) Count(ctx context.Context, filter model.RecipeFilter) (int, error) {
	n, err := r.recipes.CountDocuments(ctx, mongoRecipeFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("レシピ数の取得に失敗しました: %w", err)
	}
	return int(n), nil
}

// ListByIDs は指定IDのレシピを返す。存在しないIDは無視する。
func (r *MongoRecipeRepo) ListByIDs(ctx context.Context, ids []string) ([]model.Recipe, error) {
	if len(ids) == 0 {
		return []model.Recipe{}, nil
	}
	return r.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find())
}

// ListByUserID は指定ユーザーが投稿したレシピを作成順に返す。
func (r *MongoRecipeRepo) ListByUserID(ctx context.Context, userID string) ([]model.Recipe, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	return r.find(ctx, bson.M{"userid": userID}, opts)
}

// FindBySourceURL はインポート元URLでレシピを検索する。見つからない場合はnilを返す。
func (r *MongoRecipeRepo) FindBySourceURL(ctx context.Context, sourceURL string) (*model.Recipe, error) {
	return r.findOne(ctx, bson.M{"sourceUrl": sourceURL})
}

// Update はレシピ本体のフィールドとupdatedAtを上書きする。
func (r *MongoRecipeRepo) Update(ctx context.Context, recipe *model.Recipe) error {
	res, err := r.recipes.UpdateOne(ctx,
		bson.M{"_id": recipe.ID},
		bson.M{"$set": bson.M{
			"title":        recipe.Title,
			"ingredients":  nonNilStrings(recipe.Ingredients),
			"instructions": recipe.Instructions,
			"imgurl":       recipe.ImgURL,
			"prepTime":     recipe.PrepTime,
			"difficulty":   recipe.Difficulty,
			"category":     recipe.Category,
			"updatedAt":    recipe.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("レシピの更新に失敗しました: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWithCascade はレシピを削除し、全ユーザーの保存済みリストからIDを取り除く。
// MongoDBでは2つの書き込みが別操作になるため、参照の除去は指数バックオフで再試行する。
// 再試行でも失敗した場合は警告ログを出力し、残った参照は定期整理ジョブが除去する。
func (r *MongoRecipeRepo) DeleteWithCascade(ctx context.Context, id string) error {
	res, err := r.recipes.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("レシピの削除に失敗しました: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}

	pull := func() (*mongo.UpdateResult, error) {
		return r.users.UpdateMany(ctx,
			bson.M{"savedRecipes": id},
			bson.M{
				"$pull": bson.M{"savedRecipes": id},
				"$set":  bson.M{"updatedAt": time.Now().UTC()},
			},
		)
	}
	if _, err := backoff.Retry(ctx, pull,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(r.cascadeTries),
	); err != nil {
		r.logger.Warn("saved recipe cascade failed",
			slog.String("recipe_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// UpsertRating はユーザーの評価を追加または上書きし、更新後の評価一覧を返す。
// 既存評価の位置指定$setと、未評価を条件とした$pushの2段階で1ユーザー1評価を保つ。
func (r *MongoRecipeRepo) UpsertRating(ctx context.Context, recipeID, userID string, rating int) ([]model.Rating, error) {
	for attempt := 0; attempt < maxRatingAttempts; attempt++ {
		res, err := r.recipes.UpdateOne(ctx,
			bson.M{"_id": recipeID, "ratings.userid": userID},
			bson.M{"$set": bson.M{"ratings.$.rating": rating}},
		)
		if err != nil {
			return nil, fmt.Errorf("評価の更新に失敗しました: %w", err)
		}
		if res.MatchedCount == 1 {
			return r.ratingsOf(ctx, recipeID)
		}

		res, err = r.recipes.UpdateOne(ctx,
			bson.M{"_id": recipeID, "ratings.userid": bson.M{"$ne": userID}},
			bson.M{"$push": bson.M{"ratings": ratingDocument{UserID: userID, Rating: rating}}},
		)
		if err != nil {
			return nil, fmt.Errorf("評価の追加に失敗しました: %w", err)
		}
		if res.MatchedCount == 1 {
			return r.ratingsOf(ctx, recipeID)
		}

		// どちらにも一致しない場合、レシピ不在か他リクエストが先に評価を追加した
		exists, err := r.Exists(ctx, recipeID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return nil, fmt.Errorf("評価の保存が競合により完了しませんでした: %s", recipeID)
}

// AddComment はコメントを末尾に追加する。
func (r *MongoRecipeRepo) AddComment(ctx context.Context, recipeID string, comment *model.Comment) error {
	res, err := r.recipes.UpdateOne(ctx,
		bson.M{"_id": recipeID},
		bson.M{"$push": bson.M{"comments": toCommentDocument(comment)}},
	)
	if err != nil {
		return fmt.Errorf("コメントの追加に失敗しました: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateComment はコメント本文を位置指定$setで上書きし、更新後のコメントを返す。
func (r *MongoRecipeRepo) UpdateComment(ctx context.Context, recipeID, commentID, text string, updatedAt time.Time) (*model.Comment, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"comments": bson.M{"$elemMatch": bson.M{"_id": commentID}}})

	var doc recipeDocument
	err := r.recipes.FindOneAndUpdate(ctx,
		bson.M{"_id": recipeID, "comments._id": commentID},
		bson.M{"$set": bson.M{
			"comments.$.comment":   text,
			"comments.$.updatedAt": updatedAt,
		}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("コメントの更新に失敗しました: %w", err)
	}
	if len(doc.Comments) == 0 {
		return nil, ErrNotFound
	}

	c := fromCommentDocument(doc.Comments[0])
	return &c, nil
}

// DeleteComment はコメントを$pullで削除する。コメントが存在しない場合は何もしない。
func (r *MongoRecipeRepo) DeleteComment(ctx context.Context, recipeID, commentID string) error {
	res, err := r.recipes.UpdateOne(ctx,
		bson.M{"_id": recipeID},
		bson.M{"$pull": bson.M{"comments": bson.M{"_id": commentID}}},
	)
	if err != nil {
		return fmt.Errorf("コメントの削除に失敗しました: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListComments はレシピのコメントを投稿順に返す。
func (r *MongoRecipeRepo) ListComments(ctx context.Context, recipeID string) ([]model.Comment, error) {
	var doc recipeDocument
	err := r.recipes.FindOne(ctx,
		bson.M{"_id": recipeID},
		options.FindOne().SetProjection(bson.M{"comments": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []model.Comment{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コメント一覧の取得に失敗しました: %w", err)
	}

	comments := make([]model.Comment, 0, len(doc.Comments))
	for _, c := range doc.Comments {
		comments = append(comments, fromCommentDocument(c))
	}
	return comments, nil
}

// RatingTotals は評価配列を展開してレシピごとに合計する。
// 評価が空のレシピは$unwindで除外される。
func (r *MongoRecipeRepo) RatingTotals(ctx context.Context) ([]model.RatingTotal, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$unwind", Value: "$ratings"}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$_id"},
			{Key: "sum", Value: bson.D{{Key: "$sum", Value: "$ratings.rating"}}},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := r.recipes.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("評価合計の集計に失敗しました: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID    string `bson:"_id"`
		Sum   int    `bson:"sum"`
		Count int    `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("評価合計の読み取りに失敗しました: %w", err)
	}

	totals := make([]model.RatingTotal, 0, len(rows))
	for _, row := range rows {
		totals = append(totals, model.RatingTotal{RecipeID: row.ID, Sum: row.Sum, Count: row.Count})
	}
	return totals, nil
}

func (r *MongoRecipeRepo) ratingsOf(ctx context.Context, recipeID string) ([]model.Rating, error) {
	var doc recipeDocument
	err := r.recipes.FindOne(ctx,
		bson.M{"_id": recipeID},
		options.FindOne().SetProjection(bson.M{"ratings": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("評価一覧の取得に失敗しました: %w", err)
	}
	return fromRatingDocuments(doc.Ratings), nil
}

func (r *MongoRecipeRepo) findOne(ctx context.Context, filter bson.M) (*model.Recipe, error) {
	var doc recipeDocument
	err := r.recipes.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レシピの取得に失敗しました: %w", err)
	}
	recipe := fromRecipeDocument(doc)
	return &recipe, nil
}

func (r *MongoRecipeRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.Recipe, error) {
	cursor, err := r.recipes.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("レシピ一覧の取得に失敗しました: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []recipeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("レシピ一覧の読み取りに失敗しました: %w", err)
	}

	recipes := make([]model.Recipe, 0, len(docs))
	for _, doc := range docs {
		recipes = append(recipes, fromRecipeDocument(doc))
	}
	return recipes, nil
}

// mongoRecipeFilter はフィルタ条件からクエリドキュメントを構築する。
// searchは正規表現メタ文字をエスケープした上で大文字小文字を区別せずに照合する。
func mongoRecipeFilter(filter model.RecipeFilter) bson.M {
	q := bson.M{}
	if filter.Category != "" {
		q["category"] = filter.Category
	}
	if filter.Difficulty != "" {
		q["difficulty"] = filter.Difficulty
	}
	if filter.Search != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(filter.Search), Options: "i"}
		q["$or"] = bson.A{
			bson.M{"title": pattern},
			bson.M{"ingredients": pattern},
		}
	}
	return q
}

func toRecipeDocument(recipe *model.Recipe) recipeDocument {
	ratings := make([]ratingDocument, 0, len(recipe.Ratings))
	for _, rt := range recipe.Ratings {
		ratings = append(ratings, ratingDocument{UserID: rt.UserID, Rating: rt.Rating})
	}
	comments := make([]commentDocument, 0, len(recipe.Comments))
	for i := range recipe.Comments {
		comments = append(comments, toCommentDocument(&recipe.Comments[i]))
	}

	return recipeDocument{
		ID:           recipe.ID,
		Title:        recipe.Title,
		Ingredients:  nonNilStrings(recipe.Ingredients),
		Instructions: recipe.Instructions,
		ImgURL:       recipe.ImgURL,
		PrepTime:     recipe.PrepTime,
		Difficulty:   recipe.Difficulty,
		Category:     recipe.Category,
		UserID:       recipe.UserID,
		SourceURL:    recipe.SourceURL,
		Ratings:      ratings,
		Comments:     comments,
		CreatedAt:    recipe.CreatedAt,
		UpdatedAt:    recipe.UpdatedAt,
	}
}

func fromRecipeDocument(doc recipeDocument) model.Recipe {
	comments := make([]model.Comment, 0, len(doc.Comments))
	for _, c := range doc.Comments {
		comments = append(comments, fromCommentDocument(c))
	}

	return model.Recipe{
		ID:           doc.ID,
		Title:        doc.Title,
		Ingredients:  nonNilStrings(doc.Ingredients),
		Instructions: doc.Instructions,
		ImgURL:       doc.ImgURL,
		PrepTime:     doc.PrepTime,
		Difficulty:   doc.Difficulty,
		Category:     doc.Category,
		UserID:       doc.UserID,
		SourceURL:    doc.SourceURL,
		Ratings:      fromRatingDocuments(doc.Ratings),
		Comments:     comments,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func fromRatingDocuments(docs []ratingDocument) []model.Rating {
	ratings := make([]model.Rating, 0, len(docs))
	for _, d := range docs {
		ratings = append(ratings, model.Rating{UserID: d.UserID, Rating: d.Rating})
	}
	return ratings
}

func toCommentDocument(c *model.Comment) commentDocument {
	return commentDocument{
		ID:        c.ID,
		UserID:    c.UserID,
		Comment:   c.Comment,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func fromCommentDocument(d commentDocument) model.Comment {
	return model.Comment{
		ID:        d.ID,
		UserID:    d.UserID,
		Comment:   d.Comment,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// compile-time interface check
var _ RecipeRepository = (*MongoRecipeRepo)(nil)
