package recipe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/recipebox/internal/model"
	"github.com/hitoshi/recipebox/internal/security"
)

// mockCollector はメトリクス呼び出しを記録するモック。
type mockCollector struct {
	created  int
	ratings  []int
	comments []string
}

func (m *mockCollector) RecordRecipeCreated() { m.created++ }
func (m *mockCollector) RecordRatingSubmitted(rating int) { m.ratings = append(m.ratings, rating) }
func (m *mockCollector) RecordCommentAction(action string) { m.comments = append(m.comments, action) }
func (m *mockCollector) RecordRecipesImported(_, _ int) {}
func (m *mockCollector) RecordSavedRefsPruned(_ int64) {}

type testEnv struct {
	svc     *Service
	recipes *memRecipeRepo
	users   *memUserRepo
	metrics *mockCollector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	users := newMemUserRepo()
	recipes := newMemRecipeRepo(users)
	collector := &mockCollector{}
	svc := NewService(recipes, users, security.NewContentSanitizer(), security.NewSSRFGuard(), collector,
		Config{DefaultPageSize: 5, MaxPageSize: 100})
	return &testEnv{svc: svc, recipes: recipes, users: users, metrics: collector}
}

func (e *testEnv) addUser(t *testing.T, username string) *model.User {
	t.Helper()
	user := &model.User{ID: uuid.NewString(), Username: username, CreatedAt: time.Now()}
	if err := e.users.Create(context.Background(), user); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return user
}

func (e *testEnv) addRecipe(t *testing.T, in model.Recipe) *model.Recipe {
	t.Helper()
	recipe, err := e.svc.CreateRecipe(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateRecipe failed: %v", err)
	}
	return recipe
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError %s", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("code = %s, want %s", apiErr.Code, code)
	}
}

func TestCreateRecipe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("IDとタイムスタンプが設定されサニタイズされる", func(t *testing.T) {
		recipe, err := env.svc.CreateRecipe(ctx, model.Recipe{
			Title:        "<b>Tomato</b> Soup",
			Ingredients:  []string{"tomato", "  ", "<i>salt</i>"},
			Instructions: `<p>Boil</p><script>alert(1)</script>`,
			ImgURL:       "https://images.example.com/soup.jpg",
			PrepTime:     20,
			Category:     "dinner",
		})
		if err != nil {
			t.Fatalf("CreateRecipe failed: %v", err)
		}
		if _, err := uuid.Parse(recipe.ID); err != nil {
			t.Errorf("ID = %q, want UUID", recipe.ID)
		}
		if recipe.Title != "Tomato Soup" {
			t.Errorf("Title = %q, want %q", recipe.Title, "Tomato Soup")
		}
		if !slices.Equal(recipe.Ingredients, []string{"tomato", "salt"}) {
			t.Errorf("Ingredients = %v, want [tomato salt]", recipe.Ingredients)
		}
		if recipe.Instructions != "<p>Boil</p>" {
			t.Errorf("Instructions = %q, want %q", recipe.Instructions, "<p>Boil</p>")
		}
		if recipe.CreatedAt.IsZero() || !recipe.CreatedAt.Equal(recipe.UpdatedAt) {
			t.Errorf("timestamps = (%v, %v), want equal non-zero", recipe.CreatedAt, recipe.UpdatedAt)
		}
		if env.metrics.created != 1 {
			t.Errorf("recipes created metric = %d, want 1", env.metrics.created)
		}
	})

	tests := []struct {
		name  string
		input model.Recipe
		code  string
	}{
		{"タイトルが空", model.Recipe{Title: "<b></b>"}, model.ErrCodeValidation},
		{"調理時間が負", model.Recipe{Title: "x", PrepTime: -1}, model.ErrCodeValidation},
		{"ユーザーIDが不正", model.Recipe{Title: "x", UserID: "abc"}, model.ErrCodeInvalidID},
		{"画像URLがプライベートIP", model.Recipe{Title: "x", ImgURL: "http://10.0.0.1/a.png"}, model.ErrCodeInvalidURL},
		{"画像URLのスキームが不正", model.Recipe{Title: "x", ImgURL: "javascript:alert(1)"}, model.ErrCodeInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateRecipe(ctx, tt.input)
			assertAPIErrorCode(t, err, tt.code)
		})
	}
}

func TestListRecipes_Pagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const total = 12
	for i := 0; i < total; i++ {
		env.addRecipe(t, model.Recipe{Title: fmt.Sprintf("Recipe %02d", i)})
	}

	tests := []struct {
		name      string
		page      int
		limit     int
		wantPage  int
		wantLen   int
		wantPages int
		wantFirst string
	}{
		{"デフォルトは1ページ目の5件", 0, 0, 1, 5, 3, "Recipe 00"},
		{"2ページ目", 2, 5, 2, 5, 3, "Recipe 05"},
		{"最終ページは端数", 3, 5, 3, 2, 3, "Recipe 10"},
		{"範囲外のページは空", 4, 5, 4, 0, 3, ""},
		{"limitが件数を超える", 1, 50, 1, 12, 1, "Recipe 00"},
		{"limitは上限で切り詰める", 1, 1000, 1, 12, 1, "Recipe 00"},
		{"負のページは1ページ目", -3, 4, 1, 4, 3, "Recipe 00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := env.svc.ListRecipes(ctx, tt.page, tt.limit, model.RecipeFilter{})
			if err != nil {
				t.Fatalf("ListRecipes failed: %v", err)
			}
			if page.CurrentPage != tt.wantPage {
				t.Errorf("CurrentPage = %d, want %d", page.CurrentPage, tt.wantPage)
			}
			if len(page.Recipes) != tt.wantLen {
				t.Errorf("len(Recipes) = %d, want %d", len(page.Recipes), tt.wantLen)
			}
			if page.TotalPages != tt.wantPages {
				t.Errorf("TotalPages = %d, want %d", page.TotalPages, tt.wantPages)
			}
			if page.TotalRecipes != total {
				t.Errorf("TotalRecipes = %d, want %d", page.TotalRecipes, total)
			}
			if tt.wantLen > 0 && page.Recipes[0].Title != tt.wantFirst {
				t.Errorf("first = %q, want %q", page.Recipes[0].Title, tt.wantFirst)
			}
		})
	}
}

func TestListRecipes_PageLengthProperty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const total = 7
	for i := 0; i < total; i++ {
		env.addRecipe(t, model.Recipe{Title: fmt.Sprintf("R%d", i)})
	}

	for limit := 1; limit <= 8; limit++ {
		for p := 1; p <= 9; p++ {
			page, err := env.svc.ListRecipes(ctx, p, limit, model.RecipeFilter{})
			if err != nil {
				t.Fatalf("ListRecipes(%d, %d) failed: %v", p, limit, err)
			}
			wantPages := (total + limit - 1) / limit
			wantLen := max(0, min(limit, total-(p-1)*limit))
			if page.TotalPages != wantPages || len(page.Recipes) != wantLen {
				t.Errorf("page=%d limit=%d: (pages, len) = (%d, %d), want (%d, %d)",
					p, limit, page.TotalPages, len(page.Recipes), wantPages, wantLen)
			}
		}
	}
}

func TestListRecipes_Filter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addRecipe(t, model.Recipe{Title: "Tomato Soup", Category: "dinner", Difficulty: "easy", Ingredients: []string{"water"}})
	env.addRecipe(t, model.Recipe{Title: "Caprese", Category: "lunch", Difficulty: "easy", Ingredients: []string{"Tomato", "mozzarella"}})
	env.addRecipe(t, model.Recipe{Title: "Beef Stew", Category: "dinner", Difficulty: "hard", Ingredients: []string{"beef", "tomato paste"}})
	env.addRecipe(t, model.Recipe{Title: "Pancakes", Category: "breakfast", Difficulty: "easy", Ingredients: []string{"flour"}})

	tests := []struct {
		name   string
		filter model.RecipeFilter
		want   []string
	}{
		{"検索はタイトルと材料に大文字小文字無視で一致", model.RecipeFilter{Search: "TOMATO"}, []string{"Tomato Soup", "Caprese", "Beef Stew"}},
		{"カテゴリと検索のAND", model.RecipeFilter{Category: "dinner", Search: "tomato"}, []string{"Tomato Soup", "Beef Stew"}},
		{"難易度と検索のAND", model.RecipeFilter{Difficulty: "easy", Search: "tomato"}, []string{"Tomato Soup", "Caprese"}},
		{"全条件のAND", model.RecipeFilter{Category: "dinner", Difficulty: "hard", Search: "paste"}, []string{"Beef Stew"}},
		{"カテゴリは完全一致", model.RecipeFilter{Category: "dinn"}, nil},
		{"一致なし", model.RecipeFilter{Search: "chocolate"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := env.svc.ListRecipes(ctx, 1, 10, tt.filter)
			if err != nil {
				t.Fatalf("ListRecipes failed: %v", err)
			}
			var got []string
			for _, r := range page.Recipes {
				got = append(got, r.Title)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("titles = %v, want %v", got, tt.want)
			}
			if page.TotalRecipes != len(tt.want) {
				t.Errorf("TotalRecipes = %d, want %d", page.TotalRecipes, len(tt.want))
			}
		})
	}
}

func TestSaveRecipeForUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "alice")
	r1 := env.addRecipe(t, model.Recipe{Title: "One"})
	r2 := env.addRecipe(t, model.Recipe{Title: "Two"})

	saved, err := env.svc.SaveRecipeForUser(ctx, r2.ID, user.ID)
	if err != nil {
		t.Fatalf("SaveRecipeForUser failed: %v", err)
	}
	saved, err = env.svc.SaveRecipeForUser(ctx, r1.ID, user.ID)
	if err != nil {
		t.Fatalf("SaveRecipeForUser failed: %v", err)
	}
	if !slices.Equal(saved, []string{r2.ID, r1.ID}) {
		t.Errorf("saved = %v, want [%s %s]", saved, r2.ID, r1.ID)
	}

	t.Run("同じレシピの二重保存はConflictでリストは変わらない", func(t *testing.T) {
		_, err := env.svc.SaveRecipeForUser(ctx, r1.ID, user.ID)
		assertAPIErrorCode(t, err, model.ErrCodeRecipeAlreadySaved)

		ids, err := env.svc.GetSavedRecipeIDs(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetSavedRecipeIDs failed: %v", err)
		}
		if !slices.Equal(ids, []string{r2.ID, r1.ID}) {
			t.Errorf("ids = %v, want unchanged", ids)
		}
	})

	errorCases := []struct {
		name     string
		recipeID string
		userID   string
		code     string
	}{
		{"レシピIDが不正", "not-a-uuid", user.ID, model.ErrCodeInvalidID},
		{"ユーザーIDが不正", r1.ID, "", model.ErrCodeInvalidID},
		{"レシピが存在しない", uuid.NewString(), user.ID, model.ErrCodeRecipeNotFound},
		{"ユーザーが存在しない", r1.ID, uuid.NewString(), model.ErrCodeUserNotFound},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.SaveRecipeForUser(ctx, tt.recipeID, tt.userID)
			assertAPIErrorCode(t, err, tt.code)
		})
	}

	t.Run("保存済みレシピは保存順で返る", func(t *testing.T) {
		recipes, err := env.svc.GetSavedRecipes(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetSavedRecipes failed: %v", err)
		}
		if len(recipes) != 2 || recipes[0].ID != r2.ID || recipes[1].ID != r1.ID {
			t.Errorf("recipes = %+v, want [Two One]", recipes)
		}
	})

	t.Run("存在しないユーザーは空のリスト", func(t *testing.T) {
		for _, id := range []string{uuid.NewString(), "garbage"} {
			ids, err := env.svc.GetSavedRecipeIDs(ctx, id)
			if err != nil {
				t.Fatalf("GetSavedRecipeIDs failed: %v", err)
			}
			if ids == nil || len(ids) != 0 {
				t.Errorf("ids = %#v, want empty non-nil slice", ids)
			}
			recipes, err := env.svc.GetSavedRecipes(ctx, id)
			if err != nil || len(recipes) != 0 {
				t.Errorf("GetSavedRecipes = (%v, %v), want empty", recipes, err)
			}
		}
	})
}

func TestRateRecipe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	recipe := env.addRecipe(t, model.Recipe{Title: "Soup"})
	userA, userB, userC := uuid.NewString(), uuid.NewString(), uuid.NewString()

	t.Run("評価がない場合は0件", func(t *testing.T) {
		agg, err := env.svc.GetAggregateRating(ctx, recipe.ID)
		if err != nil {
			t.Fatalf("GetAggregateRating failed: %v", err)
		}
		if agg != (model.AggregateRating{}) {
			t.Errorf("agg = %+v, want zero", agg)
		}
	})

	steps := []struct {
		name    string
		userID  string
		rating  int
		wantAvg float64
		wantCnt int
	}{
		{"初回評価", userA, 1, 1, 1},
		{"同じユーザーの再評価は上書き", userA, 3, 3, 1},
		{"別ユーザーは追加", userB, 5, 4, 2},
		{"3件の平均", userC, 4, 4, 3},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			agg, err := env.svc.RateRecipe(ctx, recipe.ID, st.userID, st.rating)
			if err != nil {
				t.Fatalf("RateRecipe failed: %v", err)
			}
			if agg.Average != st.wantAvg || agg.Count != st.wantCnt {
				t.Errorf("agg = %+v, want {%v %d}", agg, st.wantAvg, st.wantCnt)
			}
		})
	}

	agg, err := env.svc.GetAggregateRating(ctx, recipe.ID)
	if err != nil {
		t.Fatalf("GetAggregateRating failed: %v", err)
	}
	if agg.Average != 4 || agg.Count != 3 {
		t.Errorf("GetAggregateRating = %+v, want {4 3}", agg)
	}
	if !slices.Equal(env.metrics.ratings, []int{1, 3, 5, 4}) {
		t.Errorf("rating metrics = %v", env.metrics.ratings)
	}

	errorCases := []struct {
		name     string
		recipeID string
		userID   string
		rating   int
		code     string
	}{
		{"評価値が範囲外（0）", recipe.ID, userA, 0, model.ErrCodeValidation},
		{"評価値が範囲外（6）", recipe.ID, userA, 6, model.ErrCodeValidation},
		{"ユーザーIDが不正", recipe.ID, "x", 3, model.ErrCodeInvalidID},
		{"レシピが存在しない", uuid.NewString(), userA, 3, model.ErrCodeRecipeNotFound},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.RateRecipe(ctx, tt.recipeID, tt.userID, tt.rating)
			assertAPIErrorCode(t, err, tt.code)
		})
	}

	t.Run("存在しないレシピの集計はNotFound", func(t *testing.T) {
		_, err := env.svc.GetAggregateRating(ctx, uuid.NewString())
		assertAPIErrorCode(t, err, model.ErrCodeRecipeNotFound)
	})
}

func TestCommentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "bob")
	recipe := env.addRecipe(t, model.Recipe{Title: "Soup"})

	comments, err := env.svc.AddComment(ctx, recipe.ID, user.ID, "<b>美味しい</b>")
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("len(comments) = %d, want 1", len(comments))
	}
	first := comments[0]
	if first.Comment != "美味しい" || first.Username != "bob" || first.ID == "" {
		t.Errorf("comment = %+v, want sanitized text with username", first)
	}

	comments, err = env.svc.AddComment(ctx, recipe.ID, user.ID, "また作ります")
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if len(comments) != 2 || comments[1].Comment != "また作ります" {
		t.Errorf("comments = %+v, want appended", comments)
	}

	edited, err := env.svc.EditComment(ctx, recipe.ID, first.ID, "とても美味しい")
	if err != nil {
		t.Fatalf("EditComment failed: %v", err)
	}
	if edited.ID != first.ID || edited.Comment != "とても美味しい" || edited.Username != "bob" {
		t.Errorf("edited = %+v, want same id with new text", edited)
	}

	remaining, err := env.svc.DeleteComment(ctx, recipe.ID, first.ID)
	if err != nil {
		t.Fatalf("DeleteComment failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Comment != "また作ります" {
		t.Errorf("remaining = %+v, want single second comment", remaining)
	}

	t.Run("存在しないコメントの削除は何もしない", func(t *testing.T) {
		for _, id := range []string{first.ID, "garbage"} {
			remaining, err := env.svc.DeleteComment(ctx, recipe.ID, id)
			if err != nil {
				t.Fatalf("DeleteComment failed: %v", err)
			}
			if len(remaining) != 1 {
				t.Errorf("len(remaining) = %d, want 1", len(remaining))
			}
		}
	})

	errorCases := []struct {
		name string
		call func() error
		code string
	}{
		{"存在しないレシピへのコメント追加", func() error {
			_, err := env.svc.AddComment(ctx, uuid.NewString(), user.ID, "x")
			return err
		}, model.ErrCodeRecipeNotFound},
		{"空のコメント", func() error {
			_, err := env.svc.AddComment(ctx, recipe.ID, user.ID, "<p> </p>")
			return err
		}, model.ErrCodeValidation},
		{"存在しないコメントの編集", func() error {
			_, err := env.svc.EditComment(ctx, recipe.ID, first.ID, "x")
			return err
		}, model.ErrCodeCommentNotFound},
		{"存在しないレシピのコメント編集", func() error {
			_, err := env.svc.EditComment(ctx, uuid.NewString(), first.ID, "x")
			return err
		}, model.ErrCodeRecipeNotFound},
		{"存在しないレシピのコメント削除", func() error {
			_, err := env.svc.DeleteComment(ctx, uuid.NewString(), first.ID)
			return err
		}, model.ErrCodeRecipeNotFound},
		{"存在しないレシピのコメント一覧", func() error {
			_, err := env.svc.ListComments(ctx, uuid.NewString())
			return err
		}, model.ErrCodeRecipeNotFound},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			assertAPIErrorCode(t, tt.call(), tt.code)
		})
	}
}

func TestEditMyRecipe_PartialUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.addUser(t, "carol")
	recipe := env.addRecipe(t, model.Recipe{
		Title: "Soup", Category: "dinner", Difficulty: "easy", PrepTime: 10,
		ImgURL: "https://img.example.com/a.jpg", UserID: owner.ID,
	})
	if _, err := env.svc.RateRecipe(ctx, recipe.ID, owner.ID, 5); err != nil {
		t.Fatalf("RateRecipe failed: %v", err)
	}

	newTitle, prep, emptyImg := "Better Soup", 25, ""
	env.svc.now = func() time.Time { return recipe.UpdatedAt.Add(time.Hour) }

	updated, err := env.svc.EditMyRecipe(ctx, recipe.ID, model.RecipePatch{
		Title:    &newTitle,
		PrepTime: &prep,
		ImgURL:   &emptyImg,
	})
	if err != nil {
		t.Fatalf("EditMyRecipe failed: %v", err)
	}

	if updated.Title != newTitle || updated.PrepTime != prep || updated.ImgURL != "" {
		t.Errorf("updated = %+v, want patched fields", updated)
	}
	if updated.Category != "dinner" || updated.Difficulty != "easy" {
		t.Errorf("unpatched fields changed: %+v", updated)
	}
	if !updated.UpdatedAt.After(recipe.UpdatedAt) || !updated.CreatedAt.Equal(recipe.CreatedAt) {
		t.Errorf("timestamps = (%v, %v), want updatedAt refreshed only", updated.CreatedAt, updated.UpdatedAt)
	}
	if len(updated.Ratings) != 1 || updated.Username != "carol" {
		t.Errorf("ratings or username lost: %+v", updated)
	}

	t.Run("フィールドなしでもupdatedAtは更新される", func(t *testing.T) {
		env.svc.now = func() time.Time { return updated.UpdatedAt.Add(time.Minute) }
		again, err := env.svc.EditMyRecipe(ctx, recipe.ID, model.RecipePatch{})
		if err != nil {
			t.Fatalf("EditMyRecipe failed: %v", err)
		}
		if !again.UpdatedAt.After(updated.UpdatedAt) {
			t.Errorf("UpdatedAt = %v, want after %v", again.UpdatedAt, updated.UpdatedAt)
		}
	})

	t.Run("存在しないレシピ", func(t *testing.T) {
		_, err := env.svc.EditMyRecipe(ctx, uuid.NewString(), model.RecipePatch{Title: &newTitle})
		assertAPIErrorCode(t, err, model.ErrCodeRecipeNotFound)
	})

	t.Run("タイトルを空にはできない", func(t *testing.T) {
		blank := "  "
		_, err := env.svc.EditMyRecipe(ctx, recipe.ID, model.RecipePatch{Title: &blank})
		assertAPIErrorCode(t, err, model.ErrCodeValidation)
	})
}

func TestDeleteMyRecipe_CascadesSavedRecipes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, bob := env.addUser(t, "alice"), env.addUser(t, "bob")
	keep := env.addRecipe(t, model.Recipe{Title: "Keep"})
	drop := env.addRecipe(t, model.Recipe{Title: "Drop"})

	for _, u := range []*model.User{alice, bob} {
		for _, r := range []*model.Recipe{drop, keep} {
			if _, err := env.svc.SaveRecipeForUser(ctx, r.ID, u.ID); err != nil {
				t.Fatalf("SaveRecipeForUser failed: %v", err)
			}
		}
	}

	if err := env.svc.DeleteMyRecipe(ctx, drop.ID); err != nil {
		t.Fatalf("DeleteMyRecipe failed: %v", err)
	}

	for _, u := range []*model.User{alice, bob} {
		ids, err := env.svc.GetSavedRecipeIDs(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetSavedRecipeIDs failed: %v", err)
		}
		if !slices.Equal(ids, []string{keep.ID}) {
			t.Errorf("%s saved = %v, want [%s]", u.Username, ids, keep.ID)
		}
	}

	err := env.svc.DeleteMyRecipe(ctx, drop.ID)
	assertAPIErrorCode(t, err, model.ErrCodeRecipeNotFound)
}

func TestListMyRecipes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, other := env.addUser(t, "dave"), env.addUser(t, "erin")
	env.addRecipe(t, model.Recipe{Title: "Mine 1", UserID: owner.ID})
	env.addRecipe(t, model.Recipe{Title: "Theirs", UserID: other.ID})
	env.addRecipe(t, model.Recipe{Title: "Mine 2", UserID: owner.ID})

	recipes, err := env.svc.ListMyRecipes(ctx, owner.ID)
	if err != nil {
		t.Fatalf("ListMyRecipes failed: %v", err)
	}
	if len(recipes) != 2 || recipes[0].Title != "Mine 1" || recipes[1].Title != "Mine 2" {
		t.Errorf("recipes = %+v, want [Mine 1, Mine 2]", recipes)
	}
	for _, r := range recipes {
		if r.Username != "dave" {
			t.Errorf("Username = %q, want dave", r.Username)
		}
	}
}

func TestSelectFeatured(t *testing.T) {
	tests := []struct {
		name   string
		totals []model.RatingTotal
		want   string
		wantOK bool
	}{
		{"評価なし", nil, "", false},
		{"合計が最大のレシピ", []model.RatingTotal{
			{RecipeID: "b", Sum: 9, Count: 3},
			{RecipeID: "a", Sum: 5, Count: 1},
		}, "b", true},
		{"同点はIDの小さい方", []model.RatingTotal{
			{RecipeID: "c", Sum: 8, Count: 2},
			{RecipeID: "a", Sum: 8, Count: 4},
			{RecipeID: "b", Sum: 8, Count: 2},
		}, "a", true},
		{"件数0は候補外", []model.RatingTotal{{RecipeID: "a", Sum: 0, Count: 0}}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectFeatured(tt.totals)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("selectFeatured = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestGetFeaturedRecipe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.GetFeaturedRecipe(ctx)
	assertAPIErrorCode(t, err, model.ErrCodeNoFeaturedRecipe)

	owner := env.addUser(t, "frank")
	low := env.addRecipe(t, model.Recipe{Title: "Low", UserID: owner.ID})
	high := env.addRecipe(t, model.Recipe{Title: "High", UserID: owner.ID})
	orphan := env.addRecipe(t, model.Recipe{Title: "Orphan"})
	env.addRecipe(t, model.Recipe{Title: "Unrated"})

	rate := func(id string, ratings ...int) {
		for _, r := range ratings {
			if _, err := env.svc.RateRecipe(ctx, id, uuid.NewString(), r); err != nil {
				t.Fatalf("RateRecipe failed: %v", err)
			}
		}
	}
	rate(low.ID, 5)
	rate(high.ID, 3, 4)

	featured, username, err := env.svc.GetFeaturedRecipe(ctx)
	if err != nil {
		t.Fatalf("GetFeaturedRecipe failed: %v", err)
	}
	if featured.ID != high.ID || username != "frank" {
		t.Errorf("featured = (%s, %s), want (%s, frank)", featured.Title, username, high.Title)
	}

	t.Run("投稿者がいない場合はUnknown", func(t *testing.T) {
		rate(orphan.ID, 5, 5)
		featured, username, err := env.svc.GetFeaturedRecipe(ctx)
		if err != nil {
			t.Fatalf("GetFeaturedRecipe failed: %v", err)
		}
		if featured.ID != orphan.ID || username != "Unknown" {
			t.Errorf("featured = (%s, %s), want (Orphan, Unknown)", featured.Title, username)
		}
	})
}

func TestGetFeaturedRecipe_ResolvesCommentUsernames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	owner := env.addUser(t, "grace")
	commenter := env.addUser(t, "heidi")
	recipe := env.addRecipe(t, model.Recipe{Title: "Tart", UserID: owner.ID})
	if _, err := env.svc.AddComment(ctx, recipe.ID, commenter.ID, "美味しい"); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if _, err := env.svc.RateRecipe(ctx, recipe.ID, commenter.ID, 5); err != nil {
		t.Fatalf("RateRecipe failed: %v", err)
	}

	featured, username, err := env.svc.GetFeaturedRecipe(ctx)
	if err != nil {
		t.Fatalf("GetFeaturedRecipe failed: %v", err)
	}
	if username != "grace" || featured.Username != "grace" {
		t.Errorf("username = (%q, %q), want grace", username, featured.Username)
	}
	if len(featured.Comments) != 1 || featured.Comments[0].Username != "heidi" {
		t.Errorf("comments = %+v, want one by heidi", featured.Comments)
	}
}

func TestListRecipes_PageBeyondIntRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addRecipe(t, model.Recipe{Title: "Soup"})
	env.addRecipe(t, model.Recipe{Title: "Salad"})

	tests := []struct {
		name  string
		page  int
		limit int
	}{
		{name: "最大ページ", page: math.MaxInt, limit: 100},
		{name: "オフセットが桁あふれするページ", page: math.MaxInt / 50, limit: 100},
		{name: "limit1の最大ページ", page: math.MaxInt, limit: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.svc.ListRecipes(ctx, tt.page, tt.limit, model.RecipeFilter{})
			if err != nil {
				t.Fatalf("ListRecipes failed: %v", err)
			}
			if got.Recipes == nil || len(got.Recipes) != 0 {
				t.Errorf("recipes = %v, want empty non-nil slice", got.Recipes)
			}
			if got.TotalRecipes != 2 || got.CurrentPage != tt.page {
				t.Errorf("page = %+v, want totalRecipes 2 and currentPage %d", got, tt.page)
			}
		})
	}
}

func TestPageOffset(t *testing.T) {
	tests := []struct {
		page, limit int
		want        int
		wantOK      bool
	}{
		{1, 5, 0, true},
		{3, 10, 20, true},
		{math.MaxInt, 1, math.MaxInt - 1, true},
		{math.MaxInt, 2, 0, false},
		{math.MaxInt/50 + 2, 50, 0, false},
	}
	for _, tt := range tests {
		got, ok := pageOffset(tt.page, tt.limit)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("pageOffset(%d, %d) = (%d, %v), want (%d, %v)", tt.page, tt.limit, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestRecipeLifecycle_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created := env.addRecipe(t, model.Recipe{Title: "Curry", Category: "dinner", Ingredients: []string{"rice"}})

	page, err := env.svc.ListRecipes(ctx, 1, 5, model.RecipeFilter{Search: "curry"})
	if err != nil {
		t.Fatalf("ListRecipes failed: %v", err)
	}
	if page.TotalRecipes != 1 || page.Recipes[0].ID != created.ID {
		t.Fatalf("page = %+v, want created recipe", page)
	}

	if _, err := env.svc.RateRecipe(ctx, created.ID, uuid.NewString(), 4); err != nil {
		t.Fatalf("RateRecipe failed: %v", err)
	}
	agg, err := env.svc.GetAggregateRating(ctx, created.ID)
	if err != nil || agg.Average != 4 || agg.Count != 1 {
		t.Fatalf("GetAggregateRating = (%+v, %v), want {4 1}", agg, err)
	}

	if err := env.svc.DeleteMyRecipe(ctx, created.ID); err != nil {
		t.Fatalf("DeleteMyRecipe failed: %v", err)
	}

	_, err = env.svc.GetRecipe(ctx, created.ID)
	assertAPIErrorCode(t, err, model.ErrCodeRecipeNotFound)
}
