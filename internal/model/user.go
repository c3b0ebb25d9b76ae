// Package model はドメインモデルを定義する。
package model

import "time"

// User はレシピを保存・投稿するユーザーを表す。
// SavedRecipes は重複のないレシピIDの並びで、保存順を保持する。
type User struct {
	ID           string
	Username     string
	SavedRecipes []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
