package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recipebox/internal/middleware"
	"github.com/hitoshi/recipebox/internal/model"
)

// RecipeServiceInterface はレシピハンドラーが必要とするサービスインターフェース。
type RecipeServiceInterface interface {
	CreateRecipe(ctx context.Context, input model.Recipe) (*model.Recipe, error)
	GetRecipe(ctx context.Context, recipeID string) (*model.Recipe, error)
	ListRecipes(ctx context.Context, page, limit int, filter model.RecipeFilter) (*model.RecipePage, error)
	SaveRecipeForUser(ctx context.Context, recipeID, userID string) ([]string, error)
	GetSavedRecipeIDs(ctx context.Context, userID string) ([]string, error)
	GetSavedRecipes(ctx context.Context, userID string) ([]model.Recipe, error)
	RateRecipe(ctx context.Context, recipeID, userID string, rating int) (model.AggregateRating, error)
	GetAggregateRating(ctx context.Context, recipeID string) (model.AggregateRating, error)
	ListComments(ctx context.Context, recipeID string) ([]model.Comment, error)
	AddComment(ctx context.Context, recipeID, userID, text string) ([]model.Comment, error)
	EditComment(ctx context.Context, recipeID, commentID, text string) (*model.Comment, error)
	DeleteComment(ctx context.Context, recipeID, commentID string) ([]model.Comment, error)
	ListMyRecipes(ctx context.Context, userID string) ([]model.Recipe, error)
	EditMyRecipe(ctx context.Context, recipeID string, patch model.RecipePatch) (*model.Recipe, error)
	DeleteMyRecipe(ctx context.Context, recipeID string) error
	GetFeaturedRecipe(ctx context.Context) (*model.Recipe, string, error)
}

// RecipeHandler はレシピ関連のHTTPハンドラー。
type RecipeHandler struct {
	service RecipeServiceInterface
}

// NewRecipeHandler はRecipeHandlerを生成する。
func NewRecipeHandler(service RecipeServiceInterface) *RecipeHandler {
	return &RecipeHandler{service: service}
}

// --- リクエスト ---

type createRecipeRequest struct {
	Title        string   `json:"title" validate:"required,max=200"`
	Ingredients  []string `json:"ingredients" validate:"max=100,dive,max=200"`
	Instructions string   `json:"instructions" validate:"max=20000"`
	ImgURL       string   `json:"imgurl" validate:"max=2048"`
	PrepTime     int      `json:"prepTime" validate:"gte=0,lte=10080"`
	Difficulty   string   `json:"difficulty" validate:"max=50"`
	Category     string   `json:"category" validate:"max=50"`
	UserID       string   `json:"userid"`
}

// editRecipeRequest はレシピの部分更新リクエスト。
// キーが存在しないフィールドはnilのまま残り、更新対象にならない。
type editRecipeRequest struct {
	Title        *string  `json:"title" validate:"omitempty,max=200"`
	Ingredients  []string `json:"ingredients" validate:"omitempty,max=100,dive,max=200"`
	Instructions *string  `json:"instructions" validate:"omitempty,max=20000"`
	ImgURL       *string  `json:"imgurl" validate:"omitempty,max=2048"`
	PrepTime     *int     `json:"prepTime" validate:"omitempty,gte=0,lte=10080"`
	Difficulty   *string  `json:"difficulty" validate:"omitempty,max=50"`
	Category     *string  `json:"category" validate:"omitempty,max=50"`
}

type saveRecipeRequest struct {
	RecipeID string `json:"recipeID" validate:"required"`
	UserID   string `json:"userID" validate:"required"`
}

type rateRecipeRequest struct {
	UserID string `json:"userid" validate:"required"`
	Rating int    `json:"rating" validate:"required,min=1,max=5"`
}

type addCommentRequest struct {
	UserID  string `json:"userid" validate:"required"`
	Comment string `json:"comment" validate:"required,max=2000"`
}

type editCommentRequest struct {
	Comment string `json:"comment" validate:"required,max=2000"`
}

// --- レスポンス ---

type ratingResponse struct {
	UserID string `json:"userid"`
	Rating int    `json:"rating"`
}

type commentResponse struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"userid"`
	Username  string    `json:"username"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// recipeResponse はレシピのAPIレスポンス。
type recipeResponse struct {
	ID           string            `json:"_id"`
	Title        string            `json:"title"`
	Ingredients  []string          `json:"ingredients"`
	Instructions string            `json:"instructions"`
	ImgURL       string            `json:"imgurl"`
	PrepTime     int               `json:"prepTime"`
	Difficulty   string            `json:"difficulty"`
	Category     string            `json:"category"`
	UserID       string            `json:"userid"`
	Username     string            `json:"username,omitempty"`
	SourceURL    string            `json:"sourceUrl,omitempty"`
	Ratings      []ratingResponse  `json:"ratings"`
	Comments     []commentResponse `json:"comments"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

type recipePageResponse struct {
	Recipes      []recipeResponse `json:"recipes"`
	CurrentPage  int              `json:"currentPage"`
	TotalPages   int              `json:"totalPages"`
	TotalRecipes int              `json:"totalRecipes"`
}

type aggregateRatingResponse struct {
	AverageRating   float64 `json:"averageRating"`
	NumberOfRatings int     `json:"numberOfRatings"`
}

type featuredRecipeResponse struct {
	FeaturedRecipe recipeResponse `json:"featuredRecipe"`
	Username       string         `json:"username"`
}

type savedRecipeIDsResponse struct {
	SavedRecipes []string `json:"savedRecipes"`
}

type savedRecipesResponse struct {
	SavedRecipes []recipeResponse `json:"savedRecipes"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// CreateRecipe はレシピを作成する。
// POST /api/recipes
func (h *RecipeHandler) CreateRecipe(w http.ResponseWriter, r *http.Request) {
	var req createRecipeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	recipe, err := h.service.CreateRecipe(r.Context(), model.Recipe{
		Title:        req.Title,
		Ingredients:  req.Ingredients,
		Instructions: req.Instructions,
		ImgURL:       req.ImgURL,
		PrepTime:     req.PrepTime,
		Difficulty:   req.Difficulty,
		Category:     req.Category,
		UserID:       req.UserID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toRecipeResponse(recipe))
}

// ListRecipes はレシピ一覧をページ単位で返す。
// GET /api/recipes?page=&limit=&category=&difficulty=&search=
func (h *RecipeHandler) ListRecipes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, ok := parsePageParam(w, q.Get("page"), "page")
	if !ok {
		return
	}
	limit, ok := parsePageParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}

	result, err := h.service.ListRecipes(r.Context(), page, limit, model.RecipeFilter{
		Category:   q.Get("category"),
		Difficulty: q.Get("difficulty"),
		Search:     q.Get("search"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, recipePageResponse{
		Recipes:      toRecipeResponses(result.Recipes),
		CurrentPage:  result.CurrentPage,
		TotalPages:   result.TotalPages,
		TotalRecipes: result.TotalRecipes,
	})
}

// GetFeaturedRecipe は評価合計が最も高いレシピを返す。
// GET /api/recipes/featured
func (h *RecipeHandler) GetFeaturedRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, username, err := h.service.GetFeaturedRecipe(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, featuredRecipeResponse{
		FeaturedRecipe: toRecipeResponse(recipe),
		Username:       username,
	})
}

// GetRecipe はレシピを1件返す。
// GET /api/recipes/{recipeID}
func (h *RecipeHandler) GetRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, err := h.service.GetRecipe(r.Context(), chi.URLParam(r, "recipeID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toRecipeResponse(recipe))
}

// EditRecipe はリクエストに含まれるフィールドだけを更新する。
// PUT /api/recipes/{recipeID}
func (h *RecipeHandler) EditRecipe(w http.ResponseWriter, r *http.Request) {
	var req editRecipeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	recipe, err := h.service.EditMyRecipe(r.Context(), chi.URLParam(r, "recipeID"), model.RecipePatch{
		Title:        req.Title,
		Ingredients:  req.Ingredients,
		Instructions: req.Instructions,
		ImgURL:       req.ImgURL,
		PrepTime:     req.PrepTime,
		Difficulty:   req.Difficulty,
		Category:     req.Category,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toRecipeResponse(recipe))
}

// DeleteRecipe はレシピを削除する。
// DELETE /api/recipes/{recipeID}
func (h *RecipeHandler) DeleteRecipe(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteMyRecipe(r.Context(), chi.URLParam(r, "recipeID")); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, messageResponse{Message: "レシピを削除しました。"})
}

// SaveRecipe はレシピをユーザーの保存済みリストに追加する。
// POST /api/recipes/save
func (h *RecipeHandler) SaveRecipe(w http.ResponseWriter, r *http.Request) {
	var req saveRecipeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	saved, err := h.service.SaveRecipeForUser(r.Context(), req.RecipeID, req.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, savedRecipeIDsResponse{SavedRecipes: nonNil(saved)})
}

// RateRecipe はレシピを評価し、更新後の平均評価を返す。
// POST /api/recipes/{recipeID}/rate
func (h *RecipeHandler) RateRecipe(w http.ResponseWriter, r *http.Request) {
	var req rateRecipeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	agg, err := h.service.RateRecipe(r.Context(), chi.URLParam(r, "recipeID"), req.UserID, req.Rating)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, toAggregateRatingResponse(agg))
}

// GetAggregateRating はレシピの平均評価と評価件数を返す。
// GET /api/recipes/{recipeID}/rating
func (h *RecipeHandler) GetAggregateRating(w http.ResponseWriter, r *http.Request) {
	agg, err := h.service.GetAggregateRating(r.Context(), chi.URLParam(r, "recipeID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, toAggregateRatingResponse(agg))
}

// ListComments はレシピのコメント一覧を返す。
// GET /api/recipes/{recipeID}/comments
func (h *RecipeHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.service.ListComments(r.Context(), chi.URLParam(r, "recipeID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toCommentResponses(comments))
}

// AddComment はコメントを追加し、追加後のコメント一覧を返す。
// POST /api/recipes/{recipeID}/comments
func (h *RecipeHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req addCommentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	comments, err := h.service.AddComment(r.Context(), chi.URLParam(r, "recipeID"), req.UserID, req.Comment)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, toCommentResponses(comments))
}

// EditComment はコメント本文を更新する。
// PUT /api/recipes/{recipeID}/comments/{commentID}
func (h *RecipeHandler) EditComment(w http.ResponseWriter, r *http.Request) {
	var req editCommentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	comment, err := h.service.EditComment(r.Context(),
		chi.URLParam(r, "recipeID"), chi.URLParam(r, "commentID"), req.Comment)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toCommentResponse(*comment))
}

// DeleteComment はコメントを削除し、残りのコメント一覧を返す。
// DELETE /api/recipes/{recipeID}/comments/{commentID}
func (h *RecipeHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	comments, err := h.service.DeleteComment(r.Context(),
		chi.URLParam(r, "recipeID"), chi.URLParam(r, "commentID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toCommentResponses(comments))
}

// GetSavedRecipeIDs はユーザーの保存済みレシピIDを返す。
// GET /api/users/{userID}/saved-recipes/ids
func (h *RecipeHandler) GetSavedRecipeIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.GetSavedRecipeIDs(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, savedRecipeIDsResponse{SavedRecipes: nonNil(ids)})
}

// GetSavedRecipes はユーザーの保存済みレシピを返す。
// GET /api/users/{userID}/saved-recipes
func (h *RecipeHandler) GetSavedRecipes(w http.ResponseWriter, r *http.Request) {
	recipes, err := h.service.GetSavedRecipes(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, savedRecipesResponse{SavedRecipes: toRecipeResponses(recipes)})
}

// ListMyRecipes はユーザーが投稿したレシピを返す。
// GET /api/users/{userID}/recipes
func (h *RecipeHandler) ListMyRecipes(w http.ResponseWriter, r *http.Request) {
	recipes, err := h.service.ListMyRecipes(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toRecipeResponses(recipes))
}

// parsePageParam はページングのクエリパラメータを解析する。
// 未指定の場合は0を返し、既定値の適用はサービス層に任せる。
func parsePageParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPaginationError(name))
		return 0, false
	}
	return n, true
}

func toRecipeResponse(recipe *model.Recipe) recipeResponse {
	ratings := make([]ratingResponse, 0, len(recipe.Ratings))
	for _, rt := range recipe.Ratings {
		ratings = append(ratings, ratingResponse{UserID: rt.UserID, Rating: rt.Rating})
	}

	return recipeResponse{
		ID:           recipe.ID,
		Title:        recipe.Title,
		Ingredients:  nonNil(recipe.Ingredients),
		Instructions: recipe.Instructions,
		ImgURL:       recipe.ImgURL,
		PrepTime:     recipe.PrepTime,
		Difficulty:   recipe.Difficulty,
		Category:     recipe.Category,
		UserID:       recipe.UserID,
		Username:     recipe.Username,
		SourceURL:    recipe.SourceURL,
		Ratings:      ratings,
		Comments:     toCommentResponses(recipe.Comments),
		CreatedAt:    recipe.CreatedAt,
		UpdatedAt:    recipe.UpdatedAt,
	}
}

func toRecipeResponses(recipes []model.Recipe) []recipeResponse {
	resp := make([]recipeResponse, 0, len(recipes))
	for i := range recipes {
		resp = append(resp, toRecipeResponse(&recipes[i]))
	}
	return resp
}

func toCommentResponse(c model.Comment) commentResponse {
	return commentResponse{
		ID:        c.ID,
		UserID:    c.UserID,
		Username:  c.Username,
		Comment:   c.Comment,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toCommentResponses(comments []model.Comment) []commentResponse {
	resp := make([]commentResponse, 0, len(comments))
	for _, c := range comments {
		resp = append(resp, toCommentResponse(c))
	}
	return resp
}

func toAggregateRatingResponse(agg model.AggregateRating) aggregateRatingResponse {
	return aggregateRatingResponse{
		AverageRating:   agg.Average,
		NumberOfRatings: agg.Count,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// writeJSONResponse はJSONレスポンスを書き込む。
func writeJSONResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
// 保存済みの重複はクライアントエラーとして400で返す。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeValidation, model.ErrCodeInvalidID,
		model.ErrCodeInvalidPagination, model.ErrCodeRecipeAlreadySaved, model.ErrCodeInvalidURL:
		return http.StatusBadRequest
	case model.ErrCodeRecipeNotFound, model.ErrCodeUserNotFound,
		model.ErrCodeCommentNotFound, model.ErrCodeNoFeaturedRecipe:
		return http.StatusNotFound
	case model.ErrCodeUsernameTaken:
		return http.StatusConflict
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeFeedNotDetected, model.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
