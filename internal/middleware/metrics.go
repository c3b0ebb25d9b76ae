package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// HTTPMetricsRecorder はHTTPリクエストのメトリクスを記録するインターフェース。
type HTTPMetricsRecorder interface {
	RecordHTTPRequest(method, route, status string, duration time.Duration)
}

// NewMetricsMiddleware はリクエスト数とレイテンシをルートパターン単位で記録するミドルウェアを返す。
// パスではなくルートパターンをラベルにするため、IDごとに系列が増えることはない。
func NewMetricsMiddleware(recorder HTTPMetricsRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			recorder.RecordHTTPRequest(r.Method, routePattern(r), strconv.Itoa(rec.statusCode), time.Since(start))
		})
	}
}
