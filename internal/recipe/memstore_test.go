package recipe

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/recipebox/internal/model"
	"github.com/hitoshi/recipebox/internal/repository"
)

// memRecipeRepo はテスト用のインメモリRecipeRepository。
// 挿入順を作成順として扱う。
type memRecipeRepo struct {
	mu      sync.Mutex
	order   []string
	recipes map[string]*model.Recipe
	users   *memUserRepo
}

func newMemRecipeRepo(users *memUserRepo) *memRecipeRepo {
	return &memRecipeRepo{recipes: make(map[string]*model.Recipe), users: users}
}

func cloneRecipe(r *model.Recipe) model.Recipe {
	c := *r
	c.Ingredients = slices.Clone(r.Ingredients)
	c.Ratings = append([]model.Rating{}, r.Ratings...)
	c.Comments = append([]model.Comment{}, r.Comments...)
	return c
}

func matches(r *model.Recipe, f model.RecipeFilter) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Difficulty != "" && r.Difficulty != f.Difficulty {
		return false
	}
	if f.Search == "" {
		return true
	}
	q := strings.ToLower(f.Search)
	if strings.Contains(strings.ToLower(r.Title), q) {
		return true
	}
	for _, ing := range r.Ingredients {
		if strings.Contains(strings.ToLower(ing), q) {
			return true
		}
	}
	return false
}

func (m *memRecipeRepo) Create(_ context.Context, recipe *model.Recipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if recipe.SourceURL != "" {
		for _, r := range m.recipes {
			if r.SourceURL == recipe.SourceURL {
				return repository.ErrDuplicate
			}
		}
	}
	c := cloneRecipe(recipe)
	m.recipes[recipe.ID] = &c
	m.order = append(m.order, recipe.ID)
	return nil
}

func (m *memRecipeRepo) FindByID(_ context.Context, id string) (*model.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[id]
	if !ok {
		return nil, nil
	}
	c := cloneRecipe(r)
	return &c, nil
}

func (m *memRecipeRepo) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recipes[id]
	return ok, nil
}

func (m *memRecipeRepo) filtered(f model.RecipeFilter) []model.Recipe {
	var out []model.Recipe
	for _, id := range m.order {
		if r := m.recipes[id]; r != nil && matches(r, f) {
			out = append(out, cloneRecipe(r))
		}
	}
	return out
}

func (m *memRecipeRepo) List(_ context.Context, f model.RecipeFilter, offset, limit int) ([]model.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.filtered(f)
	if offset >= len(all) {
		return []model.Recipe{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (m *memRecipeRepo) Count(_ context.Context, f model.RecipeFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filtered(f)), nil
}

func (m *memRecipeRepo) ListByIDs(_ context.Context, ids []string) ([]model.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Recipe
	// 順序が保証されないことを確認するため逆順で返す
	for i := len(ids) - 1; i >= 0; i-- {
		if r, ok := m.recipes[ids[i]]; ok {
			out = append(out, cloneRecipe(r))
		}
	}
	return out, nil
}

func (m *memRecipeRepo) ListByUserID(_ context.Context, userID string) ([]model.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Recipe{}
	for _, id := range m.order {
		if r := m.recipes[id]; r != nil && r.UserID == userID {
			out = append(out, cloneRecipe(r))
		}
	}
	return out, nil
}

func (m *memRecipeRepo) FindBySourceURL(_ context.Context, sourceURL string) (*model.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipes {
		if r.SourceURL == sourceURL {
			c := cloneRecipe(r)
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memRecipeRepo) Update(_ context.Context, recipe *model.Recipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipe.ID]
	if !ok {
		return repository.ErrNotFound
	}
	ratings, comments := r.Ratings, r.Comments
	c := cloneRecipe(recipe)
	c.Ratings, c.Comments = ratings, comments
	m.recipes[recipe.ID] = &c
	return nil
}

func (m *memRecipeRepo) DeleteWithCascade(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.recipes[id]; !ok {
		m.mu.Unlock()
		return repository.ErrNotFound
	}
	delete(m.recipes, id)
	m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	m.mu.Unlock()

	if m.users != nil {
		m.users.pull(id)
	}
	return nil
}

func (m *memRecipeRepo) UpsertRating(_ context.Context, recipeID, userID string, rating int) ([]model.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipeID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	idx := slices.IndexFunc(r.Ratings, func(x model.Rating) bool { return x.UserID == userID })
	if idx >= 0 {
		r.Ratings[idx].Rating = rating
	} else {
		r.Ratings = append(r.Ratings, model.Rating{UserID: userID, Rating: rating})
	}
	return append([]model.Rating{}, r.Ratings...), nil
}

func (m *memRecipeRepo) AddComment(_ context.Context, recipeID string, comment *model.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipeID]
	if !ok {
		return repository.ErrNotFound
	}
	r.Comments = append(r.Comments, *comment)
	return nil
}

func (m *memRecipeRepo) UpdateComment(_ context.Context, recipeID, commentID, text string, updatedAt time.Time) (*model.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipeID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	for i := range r.Comments {
		if r.Comments[i].ID == commentID {
			r.Comments[i].Comment = text
			r.Comments[i].UpdatedAt = updatedAt
			c := r.Comments[i]
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRecipeRepo) DeleteComment(_ context.Context, recipeID, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipeID]
	if !ok {
		return repository.ErrNotFound
	}
	r.Comments = slices.DeleteFunc(r.Comments, func(c model.Comment) bool { return c.ID == commentID })
	return nil
}

func (m *memRecipeRepo) ListComments(_ context.Context, recipeID string) ([]model.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipeID]
	if !ok {
		return []model.Comment{}, nil
	}
	return append([]model.Comment{}, r.Comments...), nil
}

func (m *memRecipeRepo) RatingTotals(_ context.Context) ([]model.RatingTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var totals []model.RatingTotal
	for id, r := range m.recipes {
		if len(r.Ratings) == 0 {
			continue
		}
		t := model.RatingTotal{RecipeID: id, Count: len(r.Ratings)}
		for _, x := range r.Ratings {
			t.Sum += x.Rating
		}
		totals = append(totals, t)
	}
	return totals, nil
}

// memUserRepo はテスト用のインメモリUserRepository。
type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*model.User)}
}

func (m *memUserRepo) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return repository.ErrDuplicate
		}
	}
	c := *user
	c.SavedRecipes = append([]string{}, user.SavedRecipes...)
	m.users[user.ID] = &c
	return nil
}

func (m *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	c.SavedRecipes = append([]string{}, u.SavedRecipes...)
	return &c, nil
}

func (m *memUserRepo) FindUsernames(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make(map[string]string)
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			names[id] = u.Username
		}
	}
	return names, nil
}

func (m *memUserRepo) AddSavedRecipe(_ context.Context, userID, recipeID string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if slices.Contains(u.SavedRecipes, recipeID) {
		return append([]string{}, u.SavedRecipes...), false, nil
	}
	u.SavedRecipes = append(u.SavedRecipes, recipeID)
	return append([]string{}, u.SavedRecipes...), true, nil
}

func (m *memUserRepo) PruneStaleSavedRecipes(_ context.Context) (int64, error) {
	return 0, nil
}

func (m *memUserRepo) pull(recipeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		u.SavedRecipes = slices.DeleteFunc(u.SavedRecipes, func(v string) bool { return v == recipeID })
	}
}

var (
	_ repository.RecipeRepository = (*memRecipeRepo)(nil)
	_ repository.UserRepository   = (*memUserRepo)(nil)
)
