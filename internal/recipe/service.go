// Package recipe はレシピの投稿・検索・評価・コメント・保存のドメインロジックを提供する。
package recipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/recipebox/internal/metrics"
	"github.com/hitoshi/recipebox/internal/model"
	"github.com/hitoshi/recipebox/internal/repository"
	"github.com/hitoshi/recipebox/internal/security"
)

// unknownUsername は投稿者が見つからない場合の表示名。
const unknownUsername = "Unknown"

// URLValidator は画像URLの静的検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Config はページングの設定を保持する。
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Service はレシピ操作のサービス層。
// 入力の検証・サニタイズを行い、ストアへの読み書きはリポジトリのアトミック操作に委ねる。
type Service struct {
	recipeRepo repository.RecipeRepository
	userRepo   repository.UserRepository
	sanitizer  security.ContentSanitizerService
	urlGuard   URLValidator
	metrics    metrics.MetricsCollector
	config     Config
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// collectorはnilでもよい。
func NewService(
	recipeRepo repository.RecipeRepository,
	userRepo repository.UserRepository,
	sanitizer security.ContentSanitizerService,
	urlGuard URLValidator,
	collector metrics.MetricsCollector,
	config Config,
) *Service {
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = 5
	}
	if config.MaxPageSize < config.DefaultPageSize {
		config.MaxPageSize = config.DefaultPageSize
	}
	return &Service{
		recipeRepo: recipeRepo,
		userRepo:   userRepo,
		sanitizer:  sanitizer,
		urlGuard:   urlGuard,
		metrics:    collector,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateRecipe は新しいレシピを保存し、IDとタイムスタンプを設定したレコードを返す。
// SourceURLが既に登録済みの場合はrepository.ErrDuplicateをラップして返す。
func (s *Service) CreateRecipe(ctx context.Context, input model.Recipe) (*model.Recipe, error) {
	if input.UserID != "" && !isValidID(input.UserID) {
		return nil, model.NewInvalidIDError("userid")
	}
	if input.PrepTime < 0 {
		return nil, model.NewValidationError("調理時間は0分以上で指定してください。")
	}

	recipe := &model.Recipe{
		ID:           uuid.NewString(),
		Title:        s.sanitizer.SanitizeText(input.Title),
		Ingredients:  s.sanitizeIngredients(input.Ingredients),
		Instructions: s.sanitizer.SanitizeRichText(input.Instructions),
		ImgURL:       strings.TrimSpace(input.ImgURL),
		PrepTime:     input.PrepTime,
		Difficulty:   strings.TrimSpace(input.Difficulty),
		Category:     strings.TrimSpace(input.Category),
		UserID:       input.UserID,
		SourceURL:    input.SourceURL,
		Ratings:      []model.Rating{},
		Comments:     []model.Comment{},
	}
	if recipe.Title == "" {
		return nil, model.NewValidationError("タイトルを入力してください。")
	}
	if err := s.validateImgURL(recipe.ImgURL); err != nil {
		return nil, err
	}

	now := s.now()
	recipe.CreatedAt = now
	recipe.UpdatedAt = now

	if err := s.recipeRepo.Create(ctx, recipe); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("インポート済みのレシピです: %w", err)
		}
		return nil, fmt.Errorf("レシピの作成に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordRecipeCreated()
	}
	slog.Info("レシピを作成しました",
		slog.String("recipe_id", recipe.ID),
		slog.String("user_id", recipe.UserID),
	)
	return recipe, nil
}

// GetRecipe は指定IDのレシピを投稿者名付きで返す。
func (s *Service) GetRecipe(ctx context.Context, recipeID string) (*model.Recipe, error) {
	recipe, err := s.findRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	recipes := []model.Recipe{*recipe}
	if err := s.resolveUsernames(ctx, recipes); err != nil {
		return nil, err
	}
	return &recipes[0], nil
}

// ListRecipes はフィルタ条件に一致するレシピをページ単位で返す。
// pageが1未満の場合は1、limitが1未満の場合はデフォルト値、上限を超える場合は上限値を使う。
func (s *Service) ListRecipes(ctx context.Context, page, limit int, filter model.RecipeFilter) (*model.RecipePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = s.config.DefaultPageSize
	}
	if limit > s.config.MaxPageSize {
		limit = s.config.MaxPageSize
	}
	filter = model.RecipeFilter{
		Category:   strings.TrimSpace(filter.Category),
		Difficulty: strings.TrimSpace(filter.Difficulty),
		Search:     strings.TrimSpace(filter.Search),
	}

	var (
		recipes []model.Recipe
		total   int
	)
	offset, ok := pageOffset(page, limit)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !ok {
			// オフセットがintに収まらないページは必ず範囲外
			recipes = []model.Recipe{}
			return nil
		}
		var err error
		recipes, err = s.recipeRepo.List(gctx, filter, offset, limit)
		if err != nil {
			return fmt.Errorf("レシピ一覧の取得に失敗しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		total, err = s.recipeRepo.Count(gctx, filter)
		if err != nil {
			return fmt.Errorf("レシピ件数の取得に失敗しました: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.resolveUsernames(ctx, recipes); err != nil {
		return nil, err
	}

	return &model.RecipePage{
		Recipes:      recipes,
		CurrentPage:  page,
		TotalPages:   (total + limit - 1) / limit,
		TotalRecipes: total,
	}, nil
}

// pageOffset は (page-1)*limit を返す。intで表せない場合はfalseを返す。
// page と limit は1以上であること。
func pageOffset(page, limit int) (int, bool) {
	if page-1 > (math.MaxInt-limit)/limit {
		return 0, false
	}
	return (page - 1) * limit, true
}

// SaveRecipeForUser はレシピをユーザーの保存済みリストに追加し、更新後のリストを返す。
// 既に保存済みの場合はリストを変更せずRECIPE_ALREADY_SAVEDを返す。
func (s *Service) SaveRecipeForUser(ctx context.Context, recipeID, userID string) ([]string, error) {
	if !isValidID(recipeID) {
		return nil, model.NewInvalidIDError("recipeId")
	}
	if !isValidID(userID) {
		return nil, model.NewInvalidIDError("userId")
	}

	exists, err := s.recipeRepo.Exists(ctx, recipeID)
	if err != nil {
		return nil, fmt.Errorf("レシピの確認に失敗しました: %w", err)
	}
	if !exists {
		return nil, model.NewRecipeNotFoundError(recipeID)
	}

	saved, added, err := s.userRepo.AddSavedRecipe(ctx, userID, recipeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewUserNotFoundError(userID)
	}
	if err != nil {
		return nil, fmt.Errorf("保存済みレシピの追加に失敗しました: %w", err)
	}
	if !added {
		return nil, model.NewRecipeAlreadySavedError()
	}

	slog.Info("レシピを保存しました",
		slog.String("recipe_id", recipeID),
		slog.String("user_id", userID),
	)
	return saved, nil
}

// GetSavedRecipeIDs はユーザーの保存済みレシピIDを保存順で返す。
// ユーザーが存在しない場合は空のリストを返す。
func (s *Service) GetSavedRecipeIDs(ctx context.Context, userID string) ([]string, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return []string{}, nil
	}
	return user.SavedRecipes, nil
}

// GetSavedRecipes はユーザーの保存済みレシピを保存順で返す。
// 削除済みのレシピは結果に含めない。
func (s *Service) GetSavedRecipes(ctx context.Context, userID string) ([]model.Recipe, error) {
	ids, err := s.GetSavedRecipeIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Recipe{}, nil
	}

	found, err := s.recipeRepo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("保存済みレシピの取得に失敗しました: %w", err)
	}

	byID := make(map[string]model.Recipe, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	recipes := make([]model.Recipe, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			recipes = append(recipes, r)
		}
	}

	if err := s.resolveUsernames(ctx, recipes); err != nil {
		return nil, err
	}
	return recipes, nil
}

// RateRecipe はユーザーの評価を登録または上書きし、更新後の平均評価を返す。
func (s *Service) RateRecipe(ctx context.Context, recipeID, userID string, rating int) (model.AggregateRating, error) {
	if !isValidID(recipeID) {
		return model.AggregateRating{}, model.NewRecipeNotFoundError(recipeID)
	}
	if !isValidID(userID) {
		return model.AggregateRating{}, model.NewInvalidIDError("userid")
	}
	if rating < 1 || rating > 5 {
		return model.AggregateRating{}, model.NewValidationError("評価は1から5の整数で指定してください。")
	}

	ratings, err := s.recipeRepo.UpsertRating(ctx, recipeID, userID, rating)
	if errors.Is(err, repository.ErrNotFound) {
		return model.AggregateRating{}, model.NewRecipeNotFoundError(recipeID)
	}
	if err != nil {
		return model.AggregateRating{}, fmt.Errorf("評価の登録に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordRatingSubmitted(rating)
	}
	return model.ComputeAggregateRating(ratings), nil
}

// GetAggregateRating はレシピの平均評価と評価件数を返す。
func (s *Service) GetAggregateRating(ctx context.Context, recipeID string) (model.AggregateRating, error) {
	recipe, err := s.findRecipe(ctx, recipeID)
	if err != nil {
		return model.AggregateRating{}, err
	}
	return model.ComputeAggregateRating(recipe.Ratings), nil
}

// ListComments はレシピのコメントを投稿者名付きで投稿順に返す。
func (s *Service) ListComments(ctx context.Context, recipeID string) ([]model.Comment, error) {
	if err := s.ensureRecipe(ctx, recipeID); err != nil {
		return nil, err
	}
	return s.listComments(ctx, recipeID)
}

// AddComment はコメントを追加し、追加後のコメント一覧を返す。
// コメントのIDと投稿日時はサーバーで採番する。
func (s *Service) AddComment(ctx context.Context, recipeID, userID, text string) ([]model.Comment, error) {
	if !isValidID(recipeID) {
		return nil, model.NewRecipeNotFoundError(recipeID)
	}
	if !isValidID(userID) {
		return nil, model.NewInvalidIDError("userid")
	}
	text = s.sanitizer.SanitizeText(text)
	if text == "" {
		return nil, model.NewValidationError("コメントを入力してください。")
	}

	now := s.now()
	comment := &model.Comment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Comment:   text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.recipeRepo.AddComment(ctx, recipeID, comment)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewRecipeNotFoundError(recipeID)
	}
	if err != nil {
		return nil, fmt.Errorf("コメントの追加に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordCommentAction(metrics.CommentAdded)
	}
	return s.listComments(ctx, recipeID)
}

// EditComment はコメント本文を上書きし、更新後のコメントを返す。コメントIDは変わらない。
func (s *Service) EditComment(ctx context.Context, recipeID, commentID, text string) (*model.Comment, error) {
	if err := s.ensureRecipe(ctx, recipeID); err != nil {
		return nil, err
	}
	if !isValidID(commentID) {
		return nil, model.NewCommentNotFoundError(commentID)
	}
	text = s.sanitizer.SanitizeText(text)
	if text == "" {
		return nil, model.NewValidationError("コメントを入力してください。")
	}

	comment, err := s.recipeRepo.UpdateComment(ctx, recipeID, commentID, text, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewCommentNotFoundError(commentID)
	}
	if err != nil {
		return nil, fmt.Errorf("コメントの更新に失敗しました: %w", err)
	}

	comments := []model.Comment{*comment}
	if err := s.resolveCommentUsernames(ctx, comments); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordCommentAction(metrics.CommentEdited)
	}
	return &comments[0], nil
}

// DeleteComment はコメントを削除し、残りのコメント一覧を返す。
// コメントが存在しない場合は何もしない。
func (s *Service) DeleteComment(ctx context.Context, recipeID, commentID string) ([]model.Comment, error) {
	if !isValidID(recipeID) {
		return nil, model.NewRecipeNotFoundError(recipeID)
	}
	if isValidID(commentID) {
		err := s.recipeRepo.DeleteComment(ctx, recipeID, commentID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewRecipeNotFoundError(recipeID)
		}
		if err != nil {
			return nil, fmt.Errorf("コメントの削除に失敗しました: %w", err)
		}
		if s.metrics != nil {
			s.metrics.RecordCommentAction(metrics.CommentDeleted)
		}
	} else if err := s.ensureRecipe(ctx, recipeID); err != nil {
		return nil, err
	}
	return s.listComments(ctx, recipeID)
}

// ListMyRecipes はユーザーが投稿したレシピを投稿者名付きで返す。
func (s *Service) ListMyRecipes(ctx context.Context, userID string) ([]model.Recipe, error) {
	if !isValidID(userID) {
		return []model.Recipe{}, nil
	}
	recipes, err := s.recipeRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("投稿レシピの取得に失敗しました: %w", err)
	}
	if err := s.resolveUsernames(ctx, recipes); err != nil {
		return nil, err
	}
	return recipes, nil
}

// EditMyRecipe はpatchで指定されたフィールドだけを更新し、更新後のレシピを返す。
// updated_atは常に更新する。
func (s *Service) EditMyRecipe(ctx context.Context, recipeID string, patch model.RecipePatch) (*model.Recipe, error) {
	recipe, err := s.findRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		title := s.sanitizer.SanitizeText(*patch.Title)
		if title == "" {
			return nil, model.NewValidationError("タイトルを空にすることはできません。")
		}
		recipe.Title = title
	}
	if patch.Ingredients != nil {
		recipe.Ingredients = s.sanitizeIngredients(patch.Ingredients)
	}
	if patch.Instructions != nil {
		recipe.Instructions = s.sanitizer.SanitizeRichText(*patch.Instructions)
	}
	if patch.ImgURL != nil {
		imgURL := strings.TrimSpace(*patch.ImgURL)
		if err := s.validateImgURL(imgURL); err != nil {
			return nil, err
		}
		recipe.ImgURL = imgURL
	}
	if patch.PrepTime != nil {
		if *patch.PrepTime < 0 {
			return nil, model.NewValidationError("調理時間は0分以上で指定してください。")
		}
		recipe.PrepTime = *patch.PrepTime
	}
	if patch.Difficulty != nil {
		recipe.Difficulty = strings.TrimSpace(*patch.Difficulty)
	}
	if patch.Category != nil {
		recipe.Category = strings.TrimSpace(*patch.Category)
	}
	recipe.UpdatedAt = s.now()

	err = s.recipeRepo.Update(ctx, recipe)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewRecipeNotFoundError(recipeID)
	}
	if err != nil {
		return nil, fmt.Errorf("レシピの更新に失敗しました: %w", err)
	}

	slog.Info("レシピを更新しました", slog.String("recipe_id", recipeID))
	return s.GetRecipe(ctx, recipeID)
}

// DeleteMyRecipe はレシピを削除し、全ユーザーの保存済みリストからIDを取り除く。
func (s *Service) DeleteMyRecipe(ctx context.Context, recipeID string) error {
	if !isValidID(recipeID) {
		return model.NewRecipeNotFoundError(recipeID)
	}
	err := s.recipeRepo.DeleteWithCascade(ctx, recipeID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.NewRecipeNotFoundError(recipeID)
	}
	if err != nil {
		return fmt.Errorf("レシピの削除に失敗しました: %w", err)
	}

	slog.Info("レシピを削除しました", slog.String("recipe_id", recipeID))
	return nil
}

// GetFeaturedRecipe は評価合計が最も高いレシピと投稿者名を返す。
// 合計が同じ場合はIDの小さいレシピを選ぶ。評価のないレシピは対象外。
func (s *Service) GetFeaturedRecipe(ctx context.Context) (*model.Recipe, string, error) {
	totals, err := s.recipeRepo.RatingTotals(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("評価合計の取得に失敗しました: %w", err)
	}

	featuredID, ok := selectFeatured(totals)
	if !ok {
		return nil, "", model.NewNoFeaturedRecipeError()
	}

	recipe, err := s.recipeRepo.FindByID(ctx, featuredID)
	if err != nil {
		return nil, "", fmt.Errorf("レシピの取得に失敗しました: %w", err)
	}
	if recipe == nil {
		// 集計後に削除された
		return nil, "", model.NewNoFeaturedRecipeError()
	}

	featured := []model.Recipe{*recipe}
	if err := s.resolveUsernames(ctx, featured); err != nil {
		return nil, "", err
	}
	recipe = &featured[0]
	if recipe.Username == "" {
		recipe.Username = unknownUsername
	}
	return recipe, recipe.Username, nil
}

// selectFeatured は評価合計が最大のレシピIDを返す。同点の場合はIDの小さい方を選ぶ。
func selectFeatured(totals []model.RatingTotal) (string, bool) {
	var best *model.RatingTotal
	for i := range totals {
		t := &totals[i]
		if t.Count == 0 {
			continue
		}
		if best == nil || t.Sum > best.Sum || (t.Sum == best.Sum && t.RecipeID < best.RecipeID) {
			best = t
		}
	}
	if best == nil {
		return "", false
	}
	return best.RecipeID, true
}

func (s *Service) findRecipe(ctx context.Context, recipeID string) (*model.Recipe, error) {
	if !isValidID(recipeID) {
		return nil, model.NewRecipeNotFoundError(recipeID)
	}
	recipe, err := s.recipeRepo.FindByID(ctx, recipeID)
	if err != nil {
		return nil, fmt.Errorf("レシピの取得に失敗しました: %w", err)
	}
	if recipe == nil {
		return nil, model.NewRecipeNotFoundError(recipeID)
	}
	return recipe, nil
}

func (s *Service) ensureRecipe(ctx context.Context, recipeID string) error {
	if !isValidID(recipeID) {
		return model.NewRecipeNotFoundError(recipeID)
	}
	exists, err := s.recipeRepo.Exists(ctx, recipeID)
	if err != nil {
		return fmt.Errorf("レシピの確認に失敗しました: %w", err)
	}
	if !exists {
		return model.NewRecipeNotFoundError(recipeID)
	}
	return nil
}

func (s *Service) findUser(ctx context.Context, userID string) (*model.User, error) {
	if !isValidID(userID) {
		return nil, nil
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

func (s *Service) listComments(ctx context.Context, recipeID string) ([]model.Comment, error) {
	comments, err := s.recipeRepo.ListComments(ctx, recipeID)
	if err != nil {
		return nil, fmt.Errorf("コメント一覧の取得に失敗しました: %w", err)
	}
	if err := s.resolveCommentUsernames(ctx, comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// resolveUsernames はレシピとそのコメントの投稿者名をまとめて解決する。
func (s *Service) resolveUsernames(ctx context.Context, recipes []model.Recipe) error {
	var ids []string
	for _, r := range recipes {
		if r.UserID != "" {
			ids = append(ids, r.UserID)
		}
		for _, c := range r.Comments {
			ids = append(ids, c.UserID)
		}
	}
	names, err := s.lookupUsernames(ctx, ids)
	if err != nil {
		return err
	}
	for i := range recipes {
		recipes[i].Username = names[recipes[i].UserID]
		for j := range recipes[i].Comments {
			recipes[i].Comments[j].Username = names[recipes[i].Comments[j].UserID]
		}
	}
	return nil
}

func (s *Service) resolveCommentUsernames(ctx context.Context, comments []model.Comment) error {
	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		ids = append(ids, c.UserID)
	}
	names, err := s.lookupUsernames(ctx, ids)
	if err != nil {
		return err
	}
	for i := range comments {
		comments[i].Username = names[comments[i].UserID]
	}
	return nil
}

func (s *Service) lookupUsernames(ctx context.Context, ids []string) (map[string]string, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || !isValidID(id) {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return map[string]string{}, nil
	}
	names, err := s.userRepo.FindUsernames(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("投稿者名の取得に失敗しました: %w", err)
	}
	return names, nil
}

func (s *Service) sanitizeIngredients(raw []string) []string {
	ingredients := make([]string, 0, len(raw))
	for _, item := range raw {
		if cleaned := s.sanitizer.SanitizeText(item); cleaned != "" {
			ingredients = append(ingredients, cleaned)
		}
	}
	return ingredients
}

// validateImgURL は画像URLが公開ホストを指すhttp(s)のURLかを検証する。空は許可する。
func (s *Service) validateImgURL(imgURL string) error {
	if imgURL == "" || s.urlGuard == nil {
		return nil
	}
	if err := s.urlGuard.ValidateURL(imgURL); err != nil {
		return model.NewInvalidURLError(err.Error())
	}
	return nil
}

func isValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
