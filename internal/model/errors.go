// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, recipe, user, import, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeInvalidPagination  = "INVALID_PAGINATION"
	ErrCodeRecipeNotFound     = "RECIPE_NOT_FOUND"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeCommentNotFound    = "COMMENT_NOT_FOUND"
	ErrCodeNoFeaturedRecipe   = "NO_FEATURED_RECIPE"
	ErrCodeRecipeAlreadySaved = "RECIPE_ALREADY_SAVED"
	ErrCodeUsernameTaken      = "USERNAME_TAKEN"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeFeedNotDetected    = "FEED_NOT_DETECTED"
	ErrCodeParseFailed        = "PARSE_FAILED"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidIDError はIDの形式が不正な場合のエラーを生成する。
func NewInvalidIDError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidID,
		Message:  fmt.Sprintf("%s の形式が正しくありません。", field),
		Category: "validation",
		Action:   "有効なIDを指定してください。",
	}
}

// NewInvalidPaginationError はページング指定が不正な場合のエラーを生成する。
func NewInvalidPaginationError(param string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPagination,
		Message:  fmt.Sprintf("ページング指定が正しくありません: %s", param),
		Category: "validation",
		Action:   "page と limit には1以上の整数を指定してください。",
	}
}

// NewRecipeNotFoundError はレシピが見つからない場合のエラーを生成する。
func NewRecipeNotFoundError(recipeID string) *APIError {
	return &APIError{
		Code:     ErrCodeRecipeNotFound,
		Message:  fmt.Sprintf("指定されたレシピが見つかりません: %s", recipeID),
		Category: "recipe",
		Action:   "レシピIDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", userID),
		Category: "user",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewCommentNotFoundError はコメントが見つからない場合のエラーを生成する。
func NewCommentNotFoundError(commentID string) *APIError {
	return &APIError{
		Code:     ErrCodeCommentNotFound,
		Message:  fmt.Sprintf("指定されたコメントが見つかりません: %s", commentID),
		Category: "recipe",
		Action:   "コメントIDを確認してください。",
	}
}

// NewNoFeaturedRecipeError は評価済みレシピが1件もない場合のエラーを生成する。
func NewNoFeaturedRecipeError() *APIError {
	return &APIError{
		Code:     ErrCodeNoFeaturedRecipe,
		Message:  "おすすめできるレシピがありません。",
		Category: "recipe",
		Action:   "レシピに評価が付くまでお待ちください。",
	}
}

// NewRecipeAlreadySavedError は保存済みレシピを再度保存しようとした場合のエラーを生成する。
func NewRecipeAlreadySavedError() *APIError {
	return &APIError{
		Code:     ErrCodeRecipeAlreadySaved,
		Message:  "このレシピは既に保存されています。",
		Category: "recipe",
		Action:   "保存済みレシピ一覧を確認してください。",
	}
}

// NewUsernameTakenError はユーザー名が既に使われている場合のエラーを生成する。
func NewUsernameTakenError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  fmt.Sprintf("ユーザー名は既に使用されています: %s", username),
		Category: "user",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "import",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewFeedNotDetectedError はレシピフィード未検出エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "import",
		Action:   "レシピブログのフィードURLを直接入力するか、フィードが公開されているページのURLを確認してください。",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "フィードの解析に失敗しました。",
		Category: "import",
		Action:   "有効なRSS/Atomフィードかどうか確認してください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
