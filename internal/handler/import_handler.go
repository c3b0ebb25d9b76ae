package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recipebox/internal/model"
)

// ImporterInterface はインポートハンドラーが必要とするインターフェース。
type ImporterInterface interface {
	// Import はURLのフィードからレシピを取り込む。
	Import(ctx context.Context, userID, rawURL string) (*model.ImportResult, error)
}

// ImportHandler はレシピインポートのHTTPハンドラー。
type ImportHandler struct {
	importer ImporterInterface
}

// NewImportHandler はImportHandlerを生成する。
func NewImportHandler(importer ImporterInterface) *ImportHandler {
	return &ImportHandler{importer: importer}
}

type importRequest struct {
	URL string `json:"url" validate:"required,max=2048"`
}

type importResponse struct {
	Imported int              `json:"imported"`
	Skipped  int              `json:"skipped"`
	Recipes  []recipeResponse `json:"recipes"`
}

// ImportRecipes はブログやフィードのURLから記事をレシピとして取り込む。
// 取り込み件数が0件でも成功として200を返す。
// POST /api/users/{userID}/imports
func (h *ImportHandler) ImportRecipes(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.importer.Import(r.Context(), chi.URLParam(r, "userID"), req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, importResponse{
		Imported: len(result.Imported),
		Skipped:  result.Skipped,
		Recipes:  toRecipeResponses(result.Imported),
	})
}
