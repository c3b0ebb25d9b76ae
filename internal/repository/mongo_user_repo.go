package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/recipebox/internal/model"
)

type userDocument struct {
	ID           string    `bson:"_id"`
	Username     string    `bson:"username"`
	SavedRecipes []string  `bson:"savedRecipes"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// MongoUserRepo はMongoDBを使用したユーザーリポジトリ。
type MongoUserRepo struct {
	users   *mongo.Collection
	recipes *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(db *mongo.Database) *MongoUserRepo {
	return &MongoUserRepo{
		users:   db.Collection("users"),
		recipes: db.Collection("recipes"),
	}
}

// Create はユーザーを作成する。ユーザー名が重複する場合はErrDuplicateを返す。
func (r *MongoUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.users.InsertOne(ctx, userDocument{
		ID:           user.ID,
		Username:     user.Username,
		SavedRecipes: nonNilStrings(user.SavedRecipes),
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var doc userDocument
	err := r.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return fromUserDocument(doc), nil
}

// FindUsernames は指定IDのユーザー名をIDをキーとするマップで返す。
func (r *MongoUserRepo) FindUsernames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	cursor, err := r.users.Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{"username": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザー名の取得に失敗しました: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []userDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ユーザー名の読み取りに失敗しました: %w", err)
	}
	for _, doc := range docs {
		names[doc.ID] = doc.Username
	}
	return names, nil
}

// AddSavedRecipe は保存済みリストの末尾にレシピIDを追加し、更新後のリストを返す。
// $neを条件にした$pushにより、重複チェックと追加を1回の更新で行う。
func (r *MongoUserRepo) AddSavedRecipe(ctx context.Context, userID, recipeID string) ([]string, bool, error) {
	var doc userDocument
	err := r.users.FindOneAndUpdate(ctx,
		bson.M{"_id": userID, "savedRecipes": bson.M{"$ne": recipeID}},
		bson.M{
			"$push": bson.M{"savedRecipes": recipeID},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return nonNilStrings(doc.SavedRecipes), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, fmt.Errorf("保存済みレシピの追加に失敗しました: %w", err)
	}

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
func (r *MongoUserRepo) PruneStaleSavedRecipes(ctx context.Context) (int64, error) {
	raw, err := r.users.Distinct(ctx, "savedRecipes", bson.M{})
	if err != nil {
		return 0, fmt.Errorf("保存済みレシピIDの取得に失敗しました: %w", err)
	}

	referenced := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			referenced = append(referenced, id)
		}
	}
	if len(referenced) == 0 {
		return 0, nil
	}

	cursor, err := r.recipes.Find(ctx,
		bson.M{"_id": bson.M{"$in": referenced}},
		options.Find().SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, fmt.Errorf("レシピの存在確認に失敗しました: %w", err)
	}
	defer cursor.Close(ctx)

	var existing []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &existing); err != nil {
		return 0, fmt.Errorf("レシピの存在確認に失敗しました: %w", err)
	}

	alive := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		alive[e.ID] = struct{}{}
	}
	var stale []string
	for _, id := range referenced {
		if _, ok := alive[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	res, err := r.users.UpdateMany(ctx,
		bson.M{"savedRecipes": bson.M{"$in": stale}},
		bson.M{
			"$pull": bson.M{"savedRecipes": bson.M{"$in": stale}},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("保存済みレシピの整理に失敗しました: %w", err)
	}
	return res.ModifiedCount, nil
}

func fromUserDocument(doc userDocument) *model.User {
	return &model.User{
		ID:           doc.ID,
		Username:     doc.Username,
		SavedRecipes: nonNilStrings(doc.SavedRecipes),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// compile-time interface check
var _ UserRepository = (*MongoUserRepo)(nil)
