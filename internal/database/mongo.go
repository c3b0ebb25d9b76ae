package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore はMongoDBクライアントと利用するデータベースをまとめたもの。
type MongoStore struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// OpenMongo はMongoDBに接続し、疎通確認とインデックス作成を行う。
// uriはMongoDBの接続URI（例: "mongodb://localhost:27017"）を指定する。
func OpenMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	store := &MongoStore{Client: client, Database: client.Database(dbName)}
	if err := EnsureMongoIndexes(ctx, store.Database); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

// PingContext はMongoDBへの疎通を確認する。
func (s *MongoStore) PingContext(ctx context.Context) error {
	return s.Client.Ping(ctx, nil)
}

// Close はMongoDBとの接続を切断する。
func (s *MongoStore) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// EnsureMongoIndexes は検索・カスケード削除・一意制約に必要なインデックスを作成する。
// 既に存在するインデックスは再作成されない。
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	recipeIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ingredients", Value: 1}}},
		{Keys: bson.D{{Key: "userid", Value: 1}}},
		{Keys: bson.D{{Key: "category", Value: 1}, {Key: "difficulty", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "sourceUrl", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"sourceUrl": bson.M{"$type": "string"}}),
		},
	}
	if _, err := db.Collection("recipes").Indexes().CreateMany(ctx, recipeIndexes); err != nil {
		return fmt.Errorf("failed to create recipe indexes: %w", err)
	}

	userIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "savedRecipes", Value: 1}}},
	}
	if _, err := db.Collection("users").Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	return nil
}
