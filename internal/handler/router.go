package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/recipebox/internal/middleware"
	"github.com/hitoshi/recipebox/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           middleware.HTTPMetricsRecorder // nilの場合はメトリクスを記録しない

	// 運用エンドポイント
	HealthChecker  repository.HealthChecker
	MetricsHandler http.Handler // nilの場合は /metrics を公開しない

	// ドメインサービス
	RecipeService RecipeServiceInterface
	UserService   UserServiceInterface
	Importer      ImporterInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → SecurityHeaders → CORS → Logging → Metrics
//
// /api 配下にはさらに RateLimit(General) を適用し、書き込み系のルートには
// RateLimit(Write) を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}

	recipeHandler := NewRecipeHandler(deps.RecipeService)
	userHandler := NewUserHandler(deps.UserService)
	importHandler := NewImportHandler(deps.Importer)

	// --- 運用エンドポイント（レート制限なし） ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/recipes", func(r chi.Router) {
			r.Get("/", recipeHandler.ListRecipes)
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/", recipeHandler.CreateRecipe)

			// /featured と /save は {recipeID} より先に評価される
			r.Get("/featured", recipeHandler.GetFeaturedRecipe)
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/save", recipeHandler.SaveRecipe)

			r.Route("/{recipeID}", func(r chi.Router) {
				r.Get("/", recipeHandler.GetRecipe)
				r.Put("/", recipeHandler.EditRecipe)
				r.Delete("/", recipeHandler.DeleteRecipe)

				r.With(deps.RateLimiter.WriteMiddleware()).Post("/rate", recipeHandler.RateRecipe)
				r.Get("/rating", recipeHandler.GetAggregateRating)

				r.Route("/comments", func(r chi.Router) {
					r.Get("/", recipeHandler.ListComments)
					r.With(deps.RateLimiter.WriteMiddleware()).Post("/", recipeHandler.AddComment)
					r.Put("/{commentID}", recipeHandler.EditComment)
					r.Delete("/{commentID}", recipeHandler.DeleteComment)
				})
			})
		})

		r.Route("/api/users", func(r chi.Router) {
			r.With(deps.RateLimiter.WriteMiddleware()).Post("/", userHandler.Register)

			r.Route("/{userID}", func(r chi.Router) {
				r.Get("/", userHandler.GetUser)
				r.Get("/saved-recipes", recipeHandler.GetSavedRecipes)
				r.Get("/saved-recipes/ids", recipeHandler.GetSavedRecipeIDs)
				r.Get("/recipes", recipeHandler.ListMyRecipes)
				r.With(deps.RateLimiter.WriteMiddleware()).Post("/imports", importHandler.ImportRecipes)
			})
		})
	})

	return r
}
