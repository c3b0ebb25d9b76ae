// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とワーカーから利用する。
type MetricsCollector interface {
	RecordRecipeCreated()
	RecordRatingSubmitted(rating int)
	RecordCommentAction(action string)
	RecordRecipesImported(imported, skipped int)
	RecordSavedRefsPruned(count int64)
}

// コメント操作のラベル値
const (
	CommentAdded   = "add"
	CommentEdited  = "edit"
	CommentDeleted = "delete"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	recipesCreated  prometheus.Counter
	ratings         *prometheus.CounterVec
	comments        *prometheus.CounterVec
	importedRecipes *prometheus.CounterVec
	prunedRefs      prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipebox_http_requests_total",
			Help: "ルート・メソッド・ステータス別のHTTPリクエスト数",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recipebox_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		recipesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recipebox_recipes_created_total",
			Help: "作成されたレシピの合計数",
		}),
		ratings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipebox_ratings_total",
			Help: "評価値別の評価登録数",
		}, []string{"rating"}),
		comments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipebox_comments_total",
			Help: "操作別のコメント数",
		}, []string{"action"}),
		importedRecipes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipebox_import_recipes_total",
			Help: "インポートで取り込んだ・スキップしたレシピ数",
		}, []string{"result"}),
		prunedRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recipebox_saved_refs_pruned_total",
			Help: "整理された保存済みレシピ参照を持つユーザー数",
		}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.recipesCreated,
		c.ratings,
		c.comments,
		c.importedRecipes,
		c.prunedRefs,
	)

	return c
}

// RecordHTTPRequest はHTTPリクエストの件数と処理時間を記録する。
func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRecipeCreated はレシピ作成を記録する。
func (c *Collector) RecordRecipeCreated() {
	c.recipesCreated.Inc()
}

// RecordRatingSubmitted は評価登録を評価値ごとに記録する。
func (c *Collector) RecordRatingSubmitted(rating int) {
	c.ratings.WithLabelValues(strconv.Itoa(rating)).Inc()
}

// RecordCommentAction はコメント操作を記録する。
func (c *Collector) RecordCommentAction(action string) {
	c.comments.WithLabelValues(action).Inc()
}

// RecordRecipesImported はインポート結果を記録する。
func (c *Collector) RecordRecipesImported(imported, skipped int) {
	c.importedRecipes.WithLabelValues("imported").Add(float64(imported))
	c.importedRecipes.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordSavedRefsPruned は整理されたユーザー数を記録する。
func (c *Collector) RecordSavedRefsPruned(count int64) {
	c.prunedRefs.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
