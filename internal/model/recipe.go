package model

import "time"

// Recipe はユーザーが投稿したレシピを表す。
// Ratings と Comments はレシピに従属するサブレコードで、レシピ削除時に一緒に消える。
type Recipe struct {
	ID           string
	Title        string
	Ingredients  []string
	Instructions string // サニタイズ済みHTML
	ImgURL       string
	PrepTime     int // 分
	Difficulty   string
	Category     string
	UserID       string
	Username     string // 表示用。ストアには保存しない
	SourceURL    string // インポート元のURL。手入力のレシピでは空
	Ratings      []Rating
	Comments     []Comment
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Rating はユーザー1人につき1件の星評価を表す。
type Rating struct {
	UserID string
	Rating int
}

// Comment はレシピへのコメントを表す。
type Comment struct {
	ID        string
	UserID    string
	Username  string // 表示用。ストアには保存しない
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecipeFilter はレシピ一覧の絞り込み条件を表す。
// 空文字のフィールドは条件に含めない。各フィールドはAND結合される。
type RecipeFilter struct {
	Category   string
	Difficulty string
	Search     string // タイトルまたは材料に対する大文字小文字を区別しない部分一致
}

// RecipePatch はレシピの部分更新内容を表す。
// nilのフィールドは更新しない。
type RecipePatch struct {
	Title        *string
	Ingredients  []string
	Instructions *string
	ImgURL       *string
	PrepTime     *int
	Difficulty   *string
	Category     *string
}

// RatingTotal はレシピごとの評価合計を表す。
// 評価が1件もないレシピは含まれない。
type RatingTotal struct {
	RecipeID string
	Sum      int
	Count    int
}

// AggregateRating はレシピの平均評価と評価件数を表す。
type AggregateRating struct {
	Average float64
	Count   int
}

// ComputeAggregateRating は評価一覧から平均と件数を計算する。
// 評価が空の場合は平均0、件数0を返す。
func ComputeAggregateRating(ratings []Rating) AggregateRating {
	if len(ratings) == 0 {
		return AggregateRating{}
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Rating
	}
	return AggregateRating{
		Average: float64(sum) / float64(len(ratings)),
		Count:   len(ratings),
	}
}

// RecipePage はページングされたレシピ一覧を表す。
type RecipePage struct {
	Recipes      []Recipe
	CurrentPage  int
	TotalPages   int
	TotalRecipes int
}

// ImportResult はレシピインポートの結果を表す。
type ImportResult struct {
	Imported []Recipe
	Skipped  int
}
