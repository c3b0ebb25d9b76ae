// Package importer はレシピブログのRSS/Atomフィードからレシピを取り込む。
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/recipebox/internal/metrics"
	"github.com/hitoshi/recipebox/internal/model"
	"github.com/hitoshi/recipebox/internal/repository"
)

const userAgent = "RecipeBox/1.0 Recipe Importer"

// 取り込んだ記事の各フィールドの上限（rune数）。APIからの投稿と同じ制限。
const (
	maxTitleLen        = 200
	maxCategoryLen     = 50
	maxInstructionsLen = 20000
)

// maxFetchTries は一時的なエラー（429/5xx/通信エラー）での最大試行回数。
const maxFetchTries = 3

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// RecipeCreator はレシピ作成のインターフェース。recipe.Serviceが実装する。
type RecipeCreator interface {
	CreateRecipe(ctx context.Context, input model.Recipe) (*model.Recipe, error)
}

// SourceFinder はインポート元URLでレシピを検索するインターフェース。
type SourceFinder interface {
	FindBySourceURL(ctx context.Context, sourceURL string) (*model.Recipe, error)
}

// UserFinder はユーザー検索のインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Config はインポートの制限値を保持する。
type Config struct {
	Timeout  time.Duration
	MaxSize  int64
	MaxItems int
}

// Importer はURLからフィードを検出し、記事をレシピとして登録する。
type Importer struct {
	creator    RecipeCreator
	sources    SourceFinder
	users      UserFinder
	ssrfGuard  SSRFValidator
	metrics    metrics.MetricsCollector
	config     Config
	client     *http.Client
	newBackOff func() backoff.BackOff
}

// New はImporterの新しいインスタンスを生成する。collectorはnilでもよい。
func New(
	creator RecipeCreator,
	sources SourceFinder,
	users UserFinder,
	ssrfGuard SSRFValidator,
	collector metrics.MetricsCollector,
	config Config,
) *Importer {
	return &Importer{
		creator:   creator,
		sources:   sources,
		users:     users,
		ssrfGuard: ssrfGuard,
		metrics:   collector,
		config:    config,
		client:    ssrfGuard.NewSafeClient(config.Timeout),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			return b
		},
	}
}

// Import はURLのフィード（またはHTMLから検出したフィード）の記事をユーザーのレシピとして登録する。
// 登録済みのインポート元URLを持つ記事はスキップする。
func (im *Importer) Import(ctx context.Context, userID, rawURL string) (*model.ImportResult, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, model.NewUserNotFoundError(userID)
	}
	user, err := im.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(userID)
	}

	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}
	if err := im.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, model.NewSSRFBlockedError()
	}

	feedURL, body, err := im.resolveFeed(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		slog.Warn("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewParseFailedError()
	}

	result := &model.ImportResult{Imported: []model.Recipe{}}
	for _, item := range parsed.Items {
		if len(result.Imported) >= im.config.MaxItems {
			break
		}
		input, ok := im.recipeFromItem(item, userID)
		if !ok {
			result.Skipped++
			continue
		}

		existing, err := im.sources.FindBySourceURL(ctx, input.SourceURL)
		if err != nil {
			return nil, fmt.Errorf("インポート済みレシピの確認に失敗しました: %w", err)
		}
		if existing != nil {
			result.Skipped++
			continue
		}

		recipe, err := im.creator.CreateRecipe(ctx, input)
		if errors.Is(err, repository.ErrDuplicate) {
			result.Skipped++
			continue
		}
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("記事をレシピとして登録できませんでした",
				slog.String("source_url", input.SourceURL),
				slog.String("reason", apiErr.Code),
			)
			result.Skipped++
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Imported = append(result.Imported, *recipe)
	}

	if im.metrics != nil {
		im.metrics.RecordRecipesImported(len(result.Imported), result.Skipped)
	}
	slog.Info("レシピのインポートが完了しました",
		slog.String("user_id", userID),
		slog.String("feed_url", feedURL),
		slog.Int("imported", len(result.Imported)),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// resolveFeed はURLを取得し、フィードであればそのまま、HTMLであればlink要素から検出したフィードを取得して返す。
func (im *Importer) resolveFeed(ctx context.Context, pageURL string) (string, []byte, error) {
	contentType, body, err := im.fetch(ctx, pageURL)
	if err != nil {
		return "", nil, err
	}
	if isFeedResponse(contentType, body) {
		return pageURL, body, nil
	}
	if !strings.Contains(mediaTypeOf(contentType), "html") {
		return "", nil, model.NewFeedNotDetectedError(pageURL)
	}

	link, ok := selectFeedLink(findFeedLinks(body, pageURL), pageURL)
	if !ok {
		return "", nil, model.NewFeedNotDetectedError(pageURL)
	}
	if err := im.ssrfGuard.ValidateURL(link.URL); err != nil {
		return "", nil, model.NewSSRFBlockedError()
	}

	_, body, err = im.fetch(ctx, link.URL)
	if err != nil {
		return "", nil, err
	}
	return link.URL, body, nil
}

// fetch はURLをGETし、Content-Typeとボディを返す。
// 429/5xxと通信エラーは指数バックオフで再試行する。
func (im *Importer) fetch(ctx context.Context, target string) (string, []byte, error) {
	type response struct {
		contentType string
		body        []byte
	}

	op := func() (response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return response{}, backoff.Permanent(model.NewInvalidURLError(err.Error()))
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")

		resp, err := im.client.Do(req)
		if err != nil {
			return response{}, err
		}
		defer resp.Body.Close()

		switch classifyStatus(resp.StatusCode) {
		case statusRetry:
			return response{}, fmt.Errorf("HTTPステータス %d", resp.StatusCode)
		case statusFail:
			return response{}, backoff.Permanent(model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode)))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, im.config.MaxSize))
		if err != nil {
			return response{}, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
		}
		return response{contentType: resp.Header.Get("Content-Type"), body: body}, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(im.newBackOff()),
		backoff.WithMaxTries(maxFetchTries),
	)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return "", nil, apiErr
		}
		slog.Warn("URLの取得に失敗しました",
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		return "", nil, model.NewFetchFailedError(err.Error())
	}
	return res.contentType, res.body, nil
}

type statusClass int

const (
	statusOK statusClass = iota
	statusRetry
	statusFail
)

// classifyStatus はHTTPステータスを成功・再試行・失敗に分類する。
func classifyStatus(code int) statusClass {
	switch {
	case code >= 200 && code < 300:
		return statusOK
	case code == http.StatusTooManyRequests, code >= 500:
		return statusRetry
	default:
		return statusFail
	}
}

// recipeFromItem はフィードの記事をレシピの入力に変換する。
// タイトルかリンクのない記事は取り込まない。
func (im *Importer) recipeFromItem(item *gofeed.Item, userID string) (model.Recipe, bool) {
	if item == nil {
		return model.Recipe{}, false
	}

	link := strings.TrimSpace(item.Link)
	if link == "" && (strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
		link = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if link == "" || title == "" {
		return model.Recipe{}, false
	}

	instructions := item.Content
	if instructions == "" {
		instructions = item.Description
	}

	var category string
	if len(item.Categories) > 0 {
		category = strings.TrimSpace(item.Categories[0])
	}

	return model.Recipe{
		Title:        truncateRunes(title, maxTitleLen),
		Category:     truncateRunes(category, maxCategoryLen),
		Instructions: truncateRunes(instructions, maxInstructionsLen),
		Ingredients:  []string{},
		ImgURL:       im.imageOf(item),
		UserID:       userID,
		SourceURL:    link,
	}, true
}

// truncateRunes はsを先頭からlimit文字（rune数）に切り詰める。
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:limit]))
}

// imageOf は記事の画像URLを返す。SSRF検証を通らないURLは使わない。
func (im *Importer) imageOf(item *gofeed.Item) string {
	candidates := []string{}
	if item.Image != nil {
		candidates = append(candidates, item.Image.URL)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			candidates = append(candidates, enc.URL)
		}
	}
	for _, c := range candidates {
		if c != "" && im.ssrfGuard.ValidateURL(c) == nil {
			return c
		}
	}
	return ""
}
