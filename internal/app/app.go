package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/recipebox/internal/config"
	"github.com/hitoshi/recipebox/internal/database"
	"github.com/hitoshi/recipebox/internal/handler"
	"github.com/hitoshi/recipebox/internal/importer"
	"github.com/hitoshi/recipebox/internal/logger"
	"github.com/hitoshi/recipebox/internal/metrics"
	"github.com/hitoshi/recipebox/internal/middleware"
	"github.com/hitoshi/recipebox/internal/recipe"
	"github.com/hitoshi/recipebox/internal/repository"
	"github.com/hitoshi/recipebox/internal/security"
	"github.com/hitoshi/recipebox/internal/user"
	"github.com/hitoshi/recipebox/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// stores はバックエンドに応じて構築したリポジトリ群。
type stores struct {
	recipes repository.RecipeRepository
	users   repository.UserRepository
	health  repository.HealthChecker
	close   func()
}

// openStores はSTORE_BACKENDに応じてPostgreSQLまたはMongoDBに接続し、リポジトリを構築する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreBackend == config.BackendMongo {
		store, err := database.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to open mongodb: %w", err)
		}
		slog.Info("mongodb connection established", slog.String("database", cfg.MongoDatabase))

		return &stores{
			recipes: repository.NewMongoRecipeRepo(store.Database, slog.Default()),
			users:   repository.NewMongoUserRepo(store.Database),
			health:  store,
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = store.Close(ctx)
			},
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	return &stores{
		recipes: repository.NewPostgresRecipeRepo(db),
		users:   repository.NewPostgresUserRepo(db),
		health:  db,
		close:   func() { db.Close() },
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// ストアに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. ストア接続とリポジトリの初期化
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 4. ドメインサービスの初期化
	recipeService := recipe.NewService(st.recipes, st.users, sanitizer, ssrfGuard, collector, recipe.Config{
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
	})
	userService := user.NewService(st.users)
	recipeImporter := importer.New(recipeService, st.recipes, st.users, ssrfGuard, collector, importer.Config{
		Timeout:  cfg.ImportTimeout,
		MaxSize:  cfg.ImportMaxSize,
		MaxItems: cfg.ImportMaxItems,
	})

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitWrite),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		HealthChecker:     st.health,
		MetricsHandler:    metrics.Handler(registry),
		RecipeService:     recipeService,
		UserService:       userService,
		Importer:          recipeImporter,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3*cfg.ImportTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ストアに接続し、保存済みレシピの整理ジョブをCLEANUP_INTERVALごとに実行する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// ワーカーはHTTPを公開しないため、メトリクスは件数の記録のみ行う
	collector := metrics.NewCollector(prometheus.NewRegistry())
	job := cleanup.NewReconcileJob(st.users, collector, slog.Default())

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// 整理ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はスキーマを最新化する。
// PostgreSQLでは未適用マイグレーションを順番に適用し、MongoDBではインデックスを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend == config.BackendMongo {
		slog.Info("ensuring mongodb indexes", slog.String("database", cfg.MongoDatabase))
		// OpenMongoが接続時にインデックスを作成する
		store, err := database.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
		slog.Info("mongodb indexes are up to date")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
